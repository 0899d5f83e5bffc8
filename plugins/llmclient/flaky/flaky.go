package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"

	"llmrefine/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// ErrTransport: 模拟的连接层失败。
var ErrTransport = errors.New("flaky: connection reset by peer")

// Client 是带状态的 LLM 实现（按全局调用次序，而非记录）：
// 第一次 Invoke 返回传输错误；
// 第二次返回无法解析的文本；
// 之后返回围栏包裹的合法 JSON。
type Client struct {
	prefix  string
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	return &Client{prefix: o.Prefix, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, r contract.Record, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.count.Add(1) {
	case 1:
		c.log("transport_error")
		return contract.Raw{}, ErrTransport
	case 2:
		c.log("invalid_json")
		return contract.Raw{Text: "invalid"}, nil
	default:
		c.log("ok")
		bts, _ := json.Marshal(contract.Pair{Input: r.Input, Output: c.prefix + ": " + r.Output})
		return contract.Raw{Text: "```json\n" + string(bts) + "\n```"}, nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
