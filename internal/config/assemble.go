package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"llmrefine/internal/pipeline"
	"llmrefine/internal/transport"
	"llmrefine/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.New("config: input not set")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return errors.New("config: output not set")
	}
	if cfg.Input != "-" && samePath(cfg.Input, cfg.Output) {
		return errors.New("config: output must differ from input")
	}
	failed := cfg.FailedOutput
	if failed == "" {
		failed = pipeline.FailedPathFor(cfg.Output)
	}
	if samePath(failed, cfg.Output) {
		return errors.New("config: failed_output must differ from output")
	}
	if cfg.BatchSize < 1 {
		return errors.New("config: batch_size must be >= 1")
	}
	if IntOr(cfg.Limit, 0) < 0 {
		return errors.New("config: limit must be >= 0")
	}
	if IntOr(cfg.PacingMS, DefaultPacingMS) < 0 {
		return errors.New("config: pacing_ms must be >= 0")
	}
	if IntOr(cfg.RequestTimeoutSeconds, DefaultTimeoutSeconds) < 0 {
		return errors.New("config: request_timeout_seconds must be >= 0")
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Batcher, d.Batcher); registry.Batcher[name] == nil {
		return fmt.Errorf("config: batcher %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
// 出站连接池按 batch_size 定容，仅创建一次并注入 LLM 客户端。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	// 有效名称
	d := Defaults().Components
	rn := effName(cfg.Components.Reader, d.Reader)
	bn := effName(cfg.Components.Batcher, d.Batcher)
	pn := effName(cfg.Components.PromptBuilder, d.PromptBuilder)
	dn := effName(cfg.Components.Decoder, d.Decoder)
	wn := effName(cfg.Components.Writer, d.Writer)

	// 构造实例
	r, err := registry.Reader[rn](cfg.Options.Reader)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("reader %q: %w", rn, err)
	}
	b, err := registry.Batcher[bn](cfg.Options.Batcher)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("batcher %q: %w", bn, err)
	}
	pb, err := registry.PromptBuilder[pn](cfg.Options.PromptBuilder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("prompt_builder %q: %w", pn, err)
	}
	dec, err := registry.Decoder[dn](cfg.Options.Decoder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("decoder %q: %w", dn, err)
	}
	w, err := registry.Writer[wn](cfg.Options.Writer)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("writer %q: %w", wn, err)
	}

	// LLM 客户端（共享连接池）
	prov := cfg.Provider[cfg.LLM]
	hc := transport.NewPool(cfg.BatchSize)
	llm, err := registry.LLMClient[prov.Client](prov.Options, hc)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("llm %q: %w", cfg.LLM, err)
	}

	comp := pipeline.Components{
		Reader:        r,
		Batcher:       b,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Stream:        w,
		Writer:        w,
	}
	set := pipeline.Settings{
		Input:          cfg.Input,
		Output:         cfg.Output,
		FailedOutput:   cfg.FailedOutput,
		BatchSize:      cfg.BatchSize,
		Limit:          IntOr(cfg.Limit, 0),
		Pacing:         time.Duration(IntOr(cfg.PacingMS, DefaultPacingMS)) * time.Millisecond,
		RequestTimeout: time.Duration(IntOr(cfg.RequestTimeoutSeconds, DefaultTimeoutSeconds)) * time.Second,
		LLMName:        cfg.LLM,
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
