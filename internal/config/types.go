package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
// 指针字段区分“未设置”与“显式 0”（0 对它们有语义）。
type Config struct {
	Input        string `json:"input"`
	Output       string `json:"output"`
	FailedOutput string `json:"failed_output"`
	BatchSize    int    `json:"batch_size"`
	// Limit: 仅处理前 N 条；0 表示全部。
	Limit *int `json:"limit,omitempty"`
	// PacingMS: 批间等待（毫秒）；0 表示不等待。
	PacingMS *int `json:"pacing_ms,omitempty"`
	// RequestTimeoutSeconds: 单次请求上限（秒）；0 表示不设上限。
	RequestTimeoutSeconds *int `json:"request_timeout_seconds,omitempty"`
	// MetricsOut: 非空时在运行结束写出 Prometheus 文本格式指标。
	MetricsOut string  `json:"metrics_out"`
	Logging    Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Batcher       string `json:"batcher"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Batcher       json.RawMessage `json:"batcher"`
	Writer        json.RawMessage `json:"writer"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
}

// Provider: 命名 provider 定义（client 实现 + options）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
}

// IntPtr 便于构造可选整数字段。
func IntPtr(v int) *int { return &v }

// IntOr 返回 *p 或缺省值 def。
func IntOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
