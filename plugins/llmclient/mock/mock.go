package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"llmrefine/pkg/contract"
)

// 响应模式。
const (
	ModeFencedJSON = "fenced_json" // ```json {input,output} ```（默认）
	ModeBareJSON   = "bare_json"   // 裸 JSON 对象
	ModeText       = "text"        // 非结构化文本，用于触发解码失败
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// ResponseMode: fenced_json | bare_json | text；留空为 fenced_json。
	ResponseMode string `json:"response_mode,omitempty"`
	// FailMatch: 非空时，Input 含该子串的记录返回非结构化文本。
	FailMatch string `json:"fail_match,omitempty"`
	// DelayMS: 每次调用的模拟延迟（毫秒），尊重 ctx 取消。
	DelayMS int `json:"delay_ms,omitempty"`
}

type Client struct {
	prefix    string
	mode      string
	failMatch string
	delay     time.Duration
}

// New 构造不发起网络请求的调试客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = ModeFencedJSON
	case ModeFencedJSON, ModeBareJSON, ModeText:
	default:
		return nil, fmt.Errorf("mock: unknown response_mode %q: %w", mode, contract.ErrInvalidInput)
	}
	return &Client{prefix: o.Prefix, mode: mode, failMatch: o.FailMatch, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

// Invoke 回显 Record：output 为 "<prefix>: <原 output>"。
func (c *Client) Invoke(ctx context.Context, r contract.Record, p contract.Prompt) (contract.Raw, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}

	mode := c.mode
	if c.failMatch != "" && strings.Contains(r.Input, c.failMatch) {
		mode = ModeText
	}
	return Render(mode, r.Input, c.prefix+": "+r.Output), nil
}

// Render 以给定模式渲染服务端文本。
func Render(mode, input, output string) contract.Raw {
	if mode == ModeText {
		return contract.Raw{Text: "Sorry, I cannot comply with that format."}
	}
	bts, _ := json.Marshal(contract.Pair{Input: input, Output: output})
	if mode == ModeBareJSON {
		return contract.Raw{Text: string(bts)}
	}
	return contract.Raw{Text: "```json\n" + string(bts) + "\n```"}
}

var _ contract.LLMClient = (*Client)(nil)
