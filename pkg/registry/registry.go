package registry

import (
	"bytes"
	"encoding/json"
	"net/http"

	"llmrefine/pkg/contract"
	bfix "llmrefine/plugins/batcher/fixed"
	djp "llmrefine/plugins/decoder/jsonpair"
	flaky "llmrefine/plugins/llmclient/flaky"
	gmi "llmrefine/plugins/llmclient/gemini"
	mock "llmrefine/plugins/llmclient/mock"
	oai "llmrefine/plugins/llmclient/openai"
	pref "llmrefine/plugins/prompt/refine"
	rfs "llmrefine/plugins/reader/filesystem"
	wfs "llmrefine/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewBatcher 工厂签名：接收原样 JSON Options。
type NewBatcher func(raw json.RawMessage) (contract.Batcher, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options 与共享连接池（可为 nil）。
type NewLLMClient func(raw json.RawMessage, hc *http.Client) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.DocumentWriter, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader（JSON 数组或 JSONL）
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// fixed: 定长连续切分
	"fixed": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts bfix.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bfix.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// refine: 训练数据精炼 PromptBuilder（单条 + Chat）
	"refine": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pref.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pref.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": oai.New,
	"gemini": gmi.New,
	"mock":   func(raw json.RawMessage, _ *http.Client) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage, _ *http.Client) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// jsonpair: （可带围栏的）{input, output} 对象解码器
	"jsonpair": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts djp.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return djp.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（增量数组 + 原子整写）
	"fs": func(raw json.RawMessage) (contract.DocumentWriter, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
