package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "llmrefine/internal/config"
	"llmrefine/internal/diag"
	"llmrefine/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 3
)

// exitError 携带退出码；由 RunE 返回，run 统一转换。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

type flags struct {
	config       string
	output       string
	failedOutput string
	batchSize    int
	limit        int
	pacingMS     int
	timeout      int
	llm          string
	initDir      string
	status       bool
	metricsOut   string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fprintf(stderr, "%v\n", err)
	return exitConfig
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "llmrefine [input]",
		Short: "按批并发调用 LLM 精修 {input, output} 记录",
		Long: "读取 JSON 数组（或 JSONL）形式的 {input, output} 记录，按批并发请求 LLM 改写 output，\n" +
			"成功结果逐批追加到结果文档，失败记录写入 failed_queries.json。",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, args, f, stdout, stderr)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.config, "config", "", "配置文件路径（JSON 或 YAML）；缺省读取 ./config.json（若存在）")
	fs.StringVarP(&f.output, "output", "o", "", "结果文档路径（覆盖配置，默认 refined.json）")
	fs.StringVar(&f.failedOutput, "failed-output", "", "失败文档路径（默认与结果同目录的 failed_queries.json）")
	fs.IntVarP(&f.batchSize, "batch-size", "b", 0, "批大小，即批内并发度（覆盖配置）")
	fs.IntVarP(&f.limit, "limit", "n", 0, "仅处理前 N 条记录；0 表示全部")
	fs.IntVar(&f.pacingMS, "pacing-ms", 0, "批间等待（毫秒）；0 表示不等待")
	fs.IntVar(&f.timeout, "timeout", 0, "单次请求超时（秒）；0 表示不设上限")
	fs.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fs.StringVar(&f.initDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（--init-config=DIR；已存在则不覆盖）；不带值时为当前目录")
	fs.Lookup("init-config").NoOptDefVal = "."
	fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 逐行输出")
	fs.StringVar(&f.metricsOut, "metrics-out", "", "运行结束时写出 Prometheus 文本格式指标的文件")
	return cmd
}

func execute(cmd *cobra.Command, args []string, f flags, stdout, stderr io.Writer) error {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	logger := diag.NewLogger(corrID, "info")
	defer func() { _ = logger.Close() }()

	fail := func(code int, prefix string, err error) error {
		fprintf(stderr, "%s: %v\n", prefix, err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return &exitError{code: code, err: err}
	}

	// --init-config: 生成模板并退出
	if dir := strings.TrimSpace(f.initDir); dir != "" {
		if err := initConfig(dir, stderr); err != nil {
			return fail(exitConfig, "生成默认配置失败", err)
		}
		return nil
	}

	cfg, err := loadConfig(cmd, args, f)
	if err != nil {
		return fail(exitConfig, "配置解析失败", err)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		// 打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return fail(exitConfig, "配置校验失败", err)
	}

	// 使用最终配置中的日志级别重建 logger
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		_ = logger.Close()
		logger = diag.NewLogger(corrID, lv)
	}

	if err := preflightCheckOutputDir(cfg); err != nil {
		return fail(exitConfig, "输出目录不可写或无法创建", err)
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return fail(exitConfig, "装配失败", err)
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	diag.SetTerminal(diag.NewTerminal(stderr, f.status))
	defer diag.SetTerminal(nil)

	logEffective(logger, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := logger.Start("pipeline", "run")
	sum, err := pipelineRun(ctx, comp, set, logger)
	printSummary(stdout, sum)
	writeMetrics(cfg.MetricsOut, stderr)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if errors.Is(err, pipeline.ErrPreflight) {
			fprintf(stderr, "预检失败: %v\n", err)
			return &exitError{code: exitConfig, err: err}
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "运行失败: %v\n", err)
		}
		return &exitError{code: exitRun, err: err}
	}
	t.Finish("run", int64(sum.Records))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	return nil
}

// loadConfig 按 Defaults → 文件 → ENV → CLI 的顺序合并配置。
func loadConfig(cmd *cobra.Command, args []string, f flags) (cfgpkg.Config, error) {
	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	// 默认读取工作目录下 config.json（若存在）
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	} else if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		base, err := cfgpkg.LoadJSON("", []byte(s))
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖：仅显式给出的旗标生效（0 对 limit/pacing/timeout 有语义）
	fs := cmd.Flags()
	var over cfgpkg.Config
	if len(args) > 0 {
		over.Input = args[0]
	}
	over.Output = f.output
	over.FailedOutput = f.failedOutput
	over.LLM = f.llm
	over.MetricsOut = f.metricsOut
	if fs.Changed("batch-size") {
		if f.batchSize < 1 {
			return cfg, fmt.Errorf("--batch-size must be >= 1, got %d", f.batchSize)
		}
		over.BatchSize = f.batchSize
	}
	if fs.Changed("limit") {
		over.Limit = cfgpkg.IntPtr(f.limit)
	}
	if fs.Changed("pacing-ms") {
		over.PacingMS = cfgpkg.IntPtr(f.pacingMS)
	}
	if fs.Changed("timeout") {
		over.RequestTimeoutSeconds = cfgpkg.IntPtr(f.timeout)
	}
	return cfgpkg.Merge(cfg, over), nil
}

// logEffective: debug 输出运行时配置（已脱敏）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config) {
	kv := map[string]string{
		"input":          cfg.Input,
		"output":         cfg.Output,
		"batch_size":     strconv.Itoa(cfg.BatchSize),
		"limit":          strconv.Itoa(cfgpkg.IntOr(cfg.Limit, 0)),
		"pacing_ms":      strconv.Itoa(cfgpkg.IntOr(cfg.PacingMS, cfgpkg.DefaultPacingMS)),
		"timeout_s":      strconv.Itoa(cfgpkg.IntOr(cfg.RequestTimeoutSeconds, cfgpkg.DefaultTimeoutSeconds)),
		"llm":            cfg.LLM,
		"reader":         cfg.Components.Reader,
		"batcher":        cfg.Components.Batcher,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"writer":         cfg.Components.Writer,
	}
	// 提取 Provider 关键信息（不含密钥）
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	logger.DebugStart("config", "effective", "", kv)
}

func printSummary(w io.Writer, s pipeline.Summary) {
	if s.Records == 0 && s.Batches == 0 && s.Successes == 0 && s.Failures == 0 {
		return
	}
	fprintf(w, "Processed %d records in %d batches: %d succeeded, %d failed\n", s.Records, s.Batches, s.Successes, s.Failures)
	if s.FailedPath != "" {
		fprintf(w, "Failed queries saved to %s\n", s.FailedPath)
	}
	if s.Canceled {
		fprintf(w, "Run canceled before all batches completed\n")
	}
}

func writeMetrics(path string, stderr io.Writer) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := diag.WriteMetrics(path); err != nil {
		fprintf(stderr, "提示：指标写出失败（已跳过）：%v\n", err)
	}
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(w, "有效配置:\n%s\n", b)
	return nil
}

// loadDotEnv 读取 .env 并注入进程环境；文件不存在时忽略，已存在的变量不覆盖。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// initConfig 在 dir 下生成 config.json 与 .env 模板；两者均不覆盖已存在文件。
func initConfig(dir string, stderr io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		return err
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	env := map[string]string{}
	keys := []string{
		"CONFIG_FILE", "CONFIG_JSON",
		"INPUT", "OUTPUT", "FAILED_OUTPUT", "BATCH_SIZE", "LIMIT", "PACING_MS",
		"REQUEST_TIMEOUT_SECONDS", "METRICS_OUT", "LOG_LEVEL", "LLM",
		"COMPONENTS_READER", "COMPONENTS_BATCHER", "COMPONENTS_WRITER",
		"COMPONENTS_PROMPT_BUILDER", "COMPONENTS_DECODER",
		"PROVIDER__openai__CLIENT", "PROVIDER__openai__OPTIONS_JSON",
		"PROVIDER__gemini__CLIENT", "PROVIDER__gemini__OPTIONS_JSON",
	}
	for _, k := range keys {
		env[cfgpkg.EnvPrefix+k] = ""
	}
	// 常见供应商 API Key（由 Provider 客户端读取，不带前缀）
	env["OPENAI_API_KEY"] = ""
	env["GOOGLE_API_KEY"] = ""
	body, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	header := "# llmrefine .env 模板（由 --init-config 生成）\n# 优先级：CLI > ENV(.env) > 配置文件；空值表示未设置。\n"
	_, err = f.WriteString(header + body + "\n")
	return err
}

// preflightCheckOutputDir: 启动前检查结果与失败文档所在目录的可写性。
// 目录存在时尝试创建并删除临时文件；不存在时在最近的已存在祖先目录上检查。
// 仅针对 fs writer 生效。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	var wopts struct {
		Root string `json:"root"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	failed := cfg.FailedOutput
	if failed == "" {
		failed = pipeline.FailedPathFor(cfg.Output)
	}
	seen := map[string]bool{}
	for _, p := range []string{cfg.Output, failed} {
		dir := filepath.Dir(p)
		if root := strings.TrimSpace(wopts.Root); root != "" {
			dir = filepath.Join(root, dir)
		}
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := checkWritable(dir); err != nil {
			return err
		}
	}
	return nil
}

func checkWritable(dir string) error {
	for {
		st, err := os.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return fmt.Errorf("路径存在但不是目录: %s", dir)
			}
			f, err := os.CreateTemp(dir, ".wcheck-*")
			if err != nil {
				return err
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("无法确定父目录: %s", dir)
		}
		dir = parent
	}
}
