package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrefine/internal/transport"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// 解析完整 JSON 配置
func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "cfg.json", `{
  "input": "in.json",
  "output": "out/refined.json",
  "batch_size": 3,
  "pacing_ms": 0,
  "llm": "m",
  "provider": {"m": {"client": "mock", "options": {"prefix": "X"}}},
  "components": {"reader": "fs"}
}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "in.json", cfg.Input)
	assert.Equal(t, 3, cfg.BatchSize)
	require.NotNil(t, cfg.PacingMS)
	assert.Equal(t, 0, *cfg.PacingMS)
	assert.Nil(t, cfg.Limit)
	assert.Equal(t, "mock", cfg.Provider["m"].Client)
	assert.JSONEq(t, `{"prefix":"X"}`, string(cfg.Provider["m"].Options))
	require.NoError(t, Validate(Merge(Defaults(), cfg)))
}

// YAML 与 JSON 等价，options 子树可写成映射
func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "cfg.yaml", `
input: in.jsonl
batch_size: 2
request_timeout_seconds: 30
llm: m
provider:
  m:
    client: mock
    options:
      response_mode: bare_json
options:
  reader:
    format: jsonl
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "in.jsonl", cfg.Input)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 30, IntOr(cfg.RequestTimeoutSeconds, -1))
	assert.JSONEq(t, `{"response_mode":"bare_json"}`, string(cfg.Provider["m"].Options))
	assert.JSONEq(t, `{"format":"jsonl"}`, string(cfg.Options.Reader))
}

func TestLoadUnknownField(t *testing.T) {
	_, err := LoadJSON("", []byte(`{"unknown":1}`))
	assert.Error(t, err)

	p := writeFile(t, "bad.yml", "concurrency: 3\n")
	_, err = Load(p)
	assert.Error(t, err)

	p = writeFile(t, "empty.yaml", "")
	_, err = Load(p)
	assert.Error(t, err)
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LLM_REFINE_INPUT= a.json ",
		"LLM_REFINE_BATCH_SIZE=3",
		"LLM_REFINE_PACING_MS=0",
		"LLM_REFINE_LIMIT=7",
		"LLM_REFINE_LLM=mock",
		"LLM_REFINE_COMPONENTS_READER=fs",
		"LLM_REFINE_PROVIDER__mock__CLIENT=mock",
		`LLM_REFINE_PROVIDER__mock__OPTIONS_JSON={"prefix":"E"}`,
		"OTHER_BATCH_SIZE=9",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, "a.json", over.Input)
	assert.Equal(t, 3, over.BatchSize)
	assert.Equal(t, 0, IntOr(over.PacingMS, -1))
	assert.Equal(t, 7, IntOr(over.Limit, -1))
	assert.Nil(t, over.RequestTimeoutSeconds)
	assert.Equal(t, "mock", over.LLM)
	assert.Equal(t, "mock", over.Provider["mock"].Client)
	assert.JSONEq(t, `{"prefix":"E"}`, string(over.Provider["mock"].Options))
}

func TestEnvOverlayErrors(t *testing.T) {
	_, err := EnvOverlay([]string{"LLM_REFINE_BATCH_SIZE=abc"})
	assert.Error(t, err)
	_, err = EnvOverlay([]string{"LLM_REFINE_PROVIDER__x__OPTIONS_JSON={bad"})
	assert.Error(t, err)
}

// 显式 0 覆盖默认值；未设置不覆盖
func TestMergeZeroVsUnset(t *testing.T) {
	base := Defaults()
	out := Merge(base, Config{PacingMS: IntPtr(0)})
	assert.Equal(t, 0, *out.PacingMS)
	assert.Equal(t, DefaultTimeoutSeconds, *out.RequestTimeoutSeconds)

	out = Merge(base, Config{Output: "  ", BatchSize: 0})
	assert.Equal(t, DefaultOutput, out.Output)
	assert.Equal(t, DefaultBatchSize, out.BatchSize)

	a := Config{Provider: map[string]Provider{"a": {Client: "mock"}}}
	b := Config{Provider: map[string]Provider{"b": {Client: "openai"}}}
	m := Merge(a, b)
	assert.Len(t, m.Provider, 2)
	assert.Len(t, a.Provider, 1)
}

func TestDefaultsClone(t *testing.T) {
	d := Defaults()
	assert.Equal(t, "fs", d.Components.Reader)
	assert.Equal(t, "jsonpair", d.Components.Decoder)
	assert.Empty(t, d.LLM)
	src := []byte("abc")
	dst := cloneRaw(src)
	src[0] = 'x'
	assert.Equal(t, "abc", string(dst))
}

func TestValidateErrors(t *testing.T) {
	require.Error(t, Validate(Config{}))

	base := DefaultTemplateConfig()
	require.NoError(t, Validate(base))

	cases := map[string]func(c *Config){
		"no input":         func(c *Config) { c.Input = "" },
		"no output":        func(c *Config) { c.Output = "" },
		"same path":        func(c *Config) { c.Output = "./" + c.Input },
		"failed == output": func(c *Config) { c.FailedOutput = c.Output },
		"batch size":       func(c *Config) { c.BatchSize = 0 },
		"limit":            func(c *Config) { c.Limit = IntPtr(-1) },
		"pacing":           func(c *Config) { c.PacingMS = IntPtr(-5) },
		"timeout":          func(c *Config) { c.RequestTimeoutSeconds = IntPtr(-1) },
		"no llm":           func(c *Config) { c.LLM = "" },
		"unknown provider": func(c *Config) { c.LLM = "nope" },
		"no client":        func(c *Config) { c.Provider = map[string]Provider{"mock": {}} },
		"bad client":       func(c *Config) { c.Provider = map[string]Provider{"mock": {Client: "zzz"}} },
		"bad reader":       func(c *Config) { c.Components.Reader = "zzz" },
		"bad batcher":      func(c *Config) { c.Components.Batcher = "zzz" },
		"bad writer":       func(c *Config) { c.Components.Writer = "zzz" },
		"bad prompt":       func(c *Config) { c.Components.PromptBuilder = "zzz" },
		"bad decoder":      func(c *Config) { c.Components.Decoder = "zzz" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultTemplateConfig()
			mut(&c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestAssemble(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.BatchSize = 4
	cfg.PacingMS = IntPtr(250)
	cfg.RequestTimeoutSeconds = IntPtr(0)
	comp, set, err := Assemble(cfg)
	require.NoError(t, err)
	assert.NotNil(t, comp.Reader)
	assert.NotNil(t, comp.Batcher)
	assert.NotNil(t, comp.PromptBuilder)
	assert.NotNil(t, comp.LLM)
	assert.NotNil(t, comp.Decoder)
	assert.NotNil(t, comp.Stream)
	assert.NotNil(t, comp.Writer)
	assert.Equal(t, "input.json", set.Input)
	assert.Equal(t, 4, set.BatchSize)
	assert.Equal(t, 250*time.Millisecond, set.Pacing)
	assert.Equal(t, time.Duration(0), set.RequestTimeout)
	assert.Equal(t, "mock", set.LLMName)
}

// 连接池按 batch_size 定容并注入 provider 客户端
func TestAssemblePoolSize(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.BatchSize = 7
	cfg.LLM = "openai"
	cfg.Provider["openai"] = Provider{Client: "openai", Options: json.RawMessage(`{"api_key":"k"}`)}
	comp, _, err := Assemble(cfg)
	require.NoError(t, err)
	assert.NotNil(t, comp.LLM)
	assert.Equal(t, 7, transport.PoolSize(transport.NewPool(cfg.BatchSize)))
}

func TestAssembleFactoryError(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Options.Reader = json.RawMessage(`{"nope":1}`)
	_, _, err := Assemble(cfg)
	assert.Error(t, err)

	cfg = DefaultTemplateConfig()
	cfg.Provider["mock"] = Provider{Client: "mock", Options: json.RawMessage(`{"response_mode":"weird"}`)}
	_, _, err = Assemble(cfg)
	assert.Error(t, err)
}

// 模板可序列化且可被严格解析回来
func TestTemplateRoundTrip(t *testing.T) {
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	require.NoError(t, err)
	back, err := LoadJSON("", b)
	require.NoError(t, err)
	assert.Equal(t, "mock", back.LLM)
	assert.Len(t, back.Provider, 3)
}
