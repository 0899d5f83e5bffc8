package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"llmrefine/internal/diag"
	"llmrefine/pkg/contract"
)

// invalidFormatPrefix 为结构校验失败时 Failure.Error 的前缀。
const invalidFormatPrefix = "Invalid response format: "

// 日志中原文片段的最大长度（字节）。
const maxLoggedText = 2000

// Invoker 负责单条 Record 的完整处理：Build → Invoke → Decode。
// 无论成功与否都恰好返回一个 Outcome；错误不会越过此边界。
type Invoker struct {
	Prompt  contract.PromptBuilder
	LLM     contract.LLMClient
	Decoder contract.Decoder
	// Timeout: 单次请求上限；<=0 表示不设上限（仅受外层 ctx 约束）。
	Timeout time.Duration
	Logger  *diag.Logger
}

// Process 处理全局位置为 idx 的记录。batch 仅用于日志关联。
func (iv *Invoker) Process(ctx context.Context, idx int, r contract.Record, batch string) contract.Outcome {
	logger := iv.Logger
	kvIdx := map[string]string{"index": strconv.Itoa(idx)}

	p, err := iv.Prompt.Build(ctx, r)
	if err != nil {
		iv.logErr("prompt_builder", "build failed", err, batch, kvIdx)
		return failed(idx, r, err)
	}

	callCtx := ctx
	if iv.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, iv.Timeout)
		defer cancel()
	}
	var timer *diag.Timer
	if logger != nil {
		timer = logger.StartWithKV("llm_client", "invoke", batch, kvIdx)
	}
	raw, err := iv.LLM.Invoke(callCtx, r, p)
	if err != nil {
		kv := map[string]string{"index": kvIdx["index"]}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				kv["upstream_msg"] = clip(m, 200)
			}
		}
		iv.logErr("llm_client", "invoke failed", err, batch, kv)
		return failed(idx, r, timeoutErr(err, callCtx, ctx, iv.Timeout))
	}
	if timer != nil {
		timer.Finish("invoke", 1)
		diag.IncOp("llm_client", "finish", "success")
		logger.DebugStart("llm_client", "raw_response", batch, map[string]string{"index": kvIdx["index"], "raw": raw.Text})
	}

	pair, err := iv.Decoder.Decode(ctx, raw)
	if err != nil {
		kv := map[string]string{"index": kvIdx["index"], "attempted": clip(raw.Text, maxLoggedText)}
		iv.logErr("decoder", "decode failed", err, batch, kv)
		return failed(idx, r, err)
	}
	diag.IncOp("decoder", "finish", "success")
	return contract.Succeeded(idx, contract.Success{Input: pair.Input, Output: pair.Output, OriginalOutput: r.Output})
}

func (iv *Invoker) logErr(comp, msg string, err error, batch string, kv map[string]string) {
	code := diag.Classify(err)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	if iv.Logger == nil {
		return
	}
	kv["err"] = clip(err.Error(), maxLoggedText)
	iv.Logger.ErrorWithKV(comp, string(code), msg, nil, batch, kv)
}

// failed 将错误映射为 Failure：结构校验失败带原文，其余仅带错误文本。
func failed(idx int, r contract.Record, err error) contract.Outcome {
	var re *contract.ResponseError
	if errors.As(err, &re) {
		return contract.Failed(idx, contract.InvalidResponse(r.Input, invalidFormatPrefix+re.Reason, re.Raw))
	}
	return contract.Failed(idx, contract.Failure{Input: r.Input, Error: err.Error()})
}

// timeoutErr: 单次请求超时（而非外层取消）时给出可读的错误文本。
func timeoutErr(err error, callCtx, parent context.Context, d time.Duration) error {
	if d > 0 && parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("request timed out after %s: %w", d, context.DeadlineExceeded)
	}
	return err
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
