package contract

import "fmt"

// Record: 原子输入单元（来自输入集合，加载后只读）。
// 在源序列中的位置决定批归属与批内输出顺序。
type Record struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Batch: 源序列中连续的一段 Record（长度 ≤ batch_size，末批可更短）。
type Batch struct {
	// Index: 批序（0..n-1，严格递增）。
	Index int
	// Offset: 首条 Record 在源序列中的全局位置。
	Offset  int
	Records []Record
}

// Pair: 解码器从服务文本中提取出的结构化结果。
type Pair struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Success: 成功结果；OriginalOutput 保留源 Record 的 Output 便于审计。
type Success struct {
	Input          string `json:"input"`
	Output         string `json:"output"`
	OriginalOutput string `json:"original_output"`
}

// Failure: 失败结果。
// RawResponse 在“收到响应但结构校验失败”时非 nil（空回复亦写出 ""）；传输失败为 nil（序列化时省略）。
type Failure struct {
	Input       string `json:"input"`
	Error       string `json:"error"`
	RawResponse *string `json:"raw_response,omitempty"`
}

// Outcome: 单条 Record 的处理结果（Success / Failure 二选一的标签联合）。
// 约束：每条 Record 恰好产生一个 Outcome；创建后不再修改。
type Outcome struct {
	// Index: 对应 Record 的全局位置。
	Index   int
	success *Success
	failure *Failure
}

// Succeeded 构造成功结果。
func Succeeded(idx int, s Success) Outcome { return Outcome{Index: idx, success: &s} }

// Failed 构造失败结果。
func Failed(idx int, f Failure) Outcome { return Outcome{Index: idx, failure: &f} }

// IsSuccess 报告标签是否为 Success。
func (o Outcome) IsSuccess() bool { return o.success != nil }

// Success 返回成功载荷；非 Success 时 ok=false。
func (o Outcome) Success() (Success, bool) {
	if o.success == nil {
		return Success{}, false
	}
	return *o.success, true
}

// Failure 返回失败载荷；非 Failure 时 ok=false。
func (o Outcome) Failure() (Failure, bool) {
	if o.failure == nil {
		return Failure{}, false
	}
	return *o.failure, true
}

// InvalidResponse 构造校验失败：保留收到的原文（可为空串）。
func InvalidResponse(input, errText, raw string) Failure {
	return Failure{Input: input, Error: errText, RawResponse: &raw}
}

// Partition 将 Outcome 按标签拆分为成功与失败两组，组内保持原有相对顺序。
// 既非成功也非失败的 Outcome 计为失败，保证两组之和等于 len(outs)。
func Partition(outs []Outcome) ([]Success, []Failure) {
	var ss []Success
	var fs []Failure
	for _, o := range outs {
		if s, ok := o.Success(); ok {
			ss = append(ss, s)
			continue
		}
		if f, ok := o.Failure(); ok {
			fs = append(fs, f)
			continue
		}
		fs = append(fs, Failure{Error: UntaggedOutcomeError(o.Index)})
	}
	return ss, fs
}

// UntaggedOutcomeError 为未带结果的 Outcome 生成错误文本。
func UntaggedOutcomeError(idx int) string {
	return fmt.Sprintf("%v: record %d produced no outcome", ErrInvariantViolation, idx)
}
