package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 指标命名：
// - llmrefine_op_total{comp,stage,result}
// - llmrefine_error_total{comp,code}
// - llmrefine_op_duration_ms{comp,stage}
// - llmrefine_outcome_total{result}
// 使用私有 Registry，不污染 prometheus.DefaultRegisterer。
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrefine",
		Name:      "op_total",
		Help:      "组件操作计数。",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrefine",
		Name:      "error_total",
		Help:      "按分类代码统计的错误计数。",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmrefine",
		Name:      "op_duration_ms",
		Help:      "阶段耗时（毫秒）。",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	}, []string{"comp", "stage"})

	outcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrefine",
		Name:      "outcome_total",
		Help:      "按结果标签统计的记录数。",
	}, []string{"result"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration, outcomeTotal)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// IncOutcome 累加记录结果计数（result=success|failure）。
func IncOutcome(result string) {
	outcomeTotal.WithLabelValues(result).Inc()
}

// Gatherer 暴露内部 Registry（供导出与测试）。
func Gatherer() prometheus.Gatherer { return registry }

// WriteMetrics 以文本暴露格式写出全部指标（适配 node_exporter textfile 收集器）。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
