package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 为环境变量覆盖的前缀。
const EnvPrefix = "LLM_REFINE_"

// 缺省值。
const (
	DefaultOutput         = "refined.json"
	DefaultBatchSize      = 5
	DefaultPacingMS       = 1000
	DefaultTimeoutSeconds = 120
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由配置文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Output:                DefaultOutput,
		BatchSize:             DefaultBatchSize,
		Limit:                 IntPtr(0),
		PacingMS:              IntPtr(DefaultPacingMS),
		RequestTimeoutSeconds: IntPtr(DefaultTimeoutSeconds),
		Logging:               Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Batcher:       "fixed",
			Writer:        "fs",
			PromptBuilder: "refine",
			Decoder:       "jsonpair",
		},
	}
}

// Load 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。均严格拒绝未知字段。
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	default:
		return LoadJSON("", b)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		raw = b
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 文档转为等价 JSON 后按 LoadJSON 的严格规则解析。
// 组件 options 子树因此可以直接写成 YAML 映射。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("yaml: empty document")
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	return LoadJSON("", js)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	setStr(&out.Input, over.Input)
	setStr(&out.Output, over.Output)
	setStr(&out.FailedOutput, over.FailedOutput)
	setStr(&out.MetricsOut, over.MetricsOut)
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	if over.Limit != nil {
		out.Limit = IntPtr(*over.Limit)
	}
	if over.PacingMS != nil {
		out.PacingMS = IntPtr(*over.PacingMS)
	}
	if over.RequestTimeoutSeconds != nil {
		out.RequestTimeoutSeconds = IntPtr(*over.RequestTimeoutSeconds)
	}
	setStr(&out.Logging.Level, over.Logging.Level)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Batcher, over.Components.Batcher)
	setStr(&out.Components.Writer, over.Components.Writer)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Decoder, over.Components.Decoder)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	setRaw(&out.Options.Reader, over.Options.Reader)
	setRaw(&out.Options.Batcher, over.Options.Batcher)
	setRaw(&out.Options.Writer, over.Options.Writer)
	setRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	setRaw(&out.Options.Decoder, over.Options.Decoder)

	setStr(&out.LLM, over.LLM)
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 支持：INPUT, OUTPUT, FAILED_OUTPUT, BATCH_SIZE, LIMIT, PACING_MS, REQUEST_TIMEOUT_SECONDS,
// METRICS_OUT, LOG_LEVEL, LLM, COMPONENTS_*，
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__OPTIONS_JSON。
// 数值无法解析时返回错误，而不是静默忽略。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		nk := strings.TrimPrefix(key, EnvPrefix)
		tv := strings.TrimSpace(val)
		switch nk {
		case "INPUT":
			over.Input = tv
		case "OUTPUT":
			over.Output = tv
		case "FAILED_OUTPUT":
			over.FailedOutput = tv
		case "METRICS_OUT":
			over.MetricsOut = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "LLM":
			over.LLM = tv
		case "BATCH_SIZE", "LIMIT", "PACING_MS", "REQUEST_TIMEOUT_SECONDS":
			if tv == "" {
				continue
			}
			v, err := strconv.Atoi(tv)
			if err != nil {
				return Config{}, fmt.Errorf("env %s: %w", key, err)
			}
			switch nk {
			case "BATCH_SIZE":
				over.BatchSize = v
			case "LIMIT":
				over.Limit = IntPtr(v)
			case "PACING_MS":
				over.PacingMS = IntPtr(v)
			case "REQUEST_TIMEOUT_SECONDS":
				over.RequestTimeoutSeconds = IntPtr(v)
			}
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		default:
			// provider.* 路径：PROVIDER__name__FIELD
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv != "" {
					p.Client = tv
					changed = true
				}
			case "OPTIONS_JSON":
				// 原样 JSON；空值视为未设置，避免清空现有配置
				if tv != "" {
					if !json.Valid([]byte(tv)) {
						return Config{}, fmt.Errorf("env %s: invalid json", key)
					}
					p.Options = json.RawMessage(tv)
					changed = true
				}
			}
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
