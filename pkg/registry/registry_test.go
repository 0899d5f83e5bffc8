package registry

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrefine/pkg/contract"
)

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	require.NoError(t, strictUnmarshal(nil, &o))
	assert.Zero(t, o.A)
	require.NoError(t, strictUnmarshal(json.RawMessage(`{"a":1}`), &o))
	assert.Equal(t, 1, o.A)
	assert.Error(t, strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o), "未知字段应报错")
}

// TestFactories 遍历注册表入口：默认选项可构造，未知字段被拒绝。
func TestFactories(t *testing.T) {
	strict := []struct {
		name string
		mk   func(json.RawMessage) error
	}{
		{"reader/fs", func(r json.RawMessage) error { _, err := Reader["fs"](r); return err }},
		{"batcher/fixed", func(r json.RawMessage) error { _, err := Batcher["fixed"](r); return err }},
		{"prompt/refine", func(r json.RawMessage) error { _, err := PromptBuilder["refine"](r); return err }},
		{"decoder/jsonpair", func(r json.RawMessage) error { _, err := Decoder["jsonpair"](r); return err }},
		{"writer/fs", func(r json.RawMessage) error { _, err := Writer["fs"](r); return err }},
	}
	for _, tt := range strict {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.mk(json.RawMessage(`{}`)))
			assert.NoError(t, tt.mk(nil))
			assert.Error(t, tt.mk(json.RawMessage(`{"x":1}`)), "未对未知字段报错")
		})
	}
}

// fixed batcher 不接受截断批数的选项：截断只能经由 limit
func TestBatcherRejectsMaxBatches(t *testing.T) {
	_, err := Batcher["fixed"](json.RawMessage(`{"max_batches":2}`))
	assert.Error(t, err)
}

func TestWriterWithRoot(t *testing.T) {
	raw := json.RawMessage(fmt.Sprintf(`{"root":%q}`, t.TempDir()))
	w, err := Writer["fs"](raw)
	require.NoError(t, err)
	var _ contract.StreamWriter = w
}

func TestLLMFactories(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	for _, name := range []string{"mock", "flaky"} {
		_, err := LLMClient[name](json.RawMessage(`{}`), nil)
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"openai", "gemini"} {
		_, err := LLMClient[name](json.RawMessage(`{}`), nil)
		assert.ErrorIs(t, err, contract.ErrInvalidInput, name)
	}
	_, err := LLMClient["openai"](json.RawMessage(`{"api_key":"k"}`), nil)
	assert.NoError(t, err)
}
