package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"llmrefine/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL     string   `json:"base_url"`    // 例如 https://api.openai.com/v1
	Model       string   `json:"model"`       // 为空则使用默认 gpt-4o
	APIKeyEnv   string   `json:"api_key_env"` // 优先从环境变量读取，默认 OPENAI_API_KEY
	APIKey      string   `json:"api_key"`     // 明文传入（不推荐，按需用于测试）
	Temperature *float64 `json:"temperature,omitempty"`
	// JSONMode: 为 true 时请求 response_format=json_object。
	JSONMode bool `json:"json_mode,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等兼容服务）
}

// DefaultModel 为未配置 model 时使用的模型。
const DefaultModel = "gpt-4o"

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	// 确定性输出：默认 temperature=0
	if o.Temperature == nil {
		z := 0.0
		o.Temperature = &z
	}
}

type Client struct {
	url         string
	apiKey      string
	temp        *float64
	model       string
	jsonMode    bool
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端；hc 为共享连接池，nil 时使用独立客户端。
// 缺少 API Key 属于配置错误，在任何请求发出前失败。
func New(raw json.RawMessage, hc *http.Client) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key (set %s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	// 解析 URL：允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		jsonMode:    opts.JSONMode,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type oaResponseFormat struct {
	Type string `json:"type"`
}
type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}
type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// upstreamError: 非 2xx 响应。429 归入 ErrRateLimited，其余 4xx 归入 ErrInvalidInput。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("openai upstream %d", e.status)
	}
	return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Unwrap() error {
	switch {
	case e.status == http.StatusTooManyRequests:
		return contract.ErrRateLimited
	case e.status == http.StatusRequestTimeout:
		return nil
	case e.status/100 == 4:
		return contract.ErrInvalidInput
	}
	return nil
}

func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if c.jsonMode {
		req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回；不重试。
func (c *Client) Invoke(ctx context.Context, _ contract.Record, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	// 外层信封无法解码属于传输失败（不携带原文）；内容层校验由 Decoder 负责
	var or oaResp
	if err := json.Unmarshal(payload, &or); err != nil {
		return contract.Raw{}, fmt.Errorf("%w: openai: undecodable completion body: %v", contract.ErrResponseInvalid, err)
	}
	if len(or.Choices) == 0 {
		return contract.Raw{}, fmt.Errorf("%w: openai: no choices", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}
