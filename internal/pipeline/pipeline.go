package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"llmrefine/internal/diag"
	"llmrefine/pkg/contract"
)

// - 单点并发：仅批内并发，批与批严格串行；原子组件均为同步实现。
// - 增量落盘：每批完成后立即追加成功结果，结果文档在运行期间是未闭合数组。
// - 逐条容错：单条失败只产生 Failure，不影响同批或后续批次。
// - 取消：ctx 取消后不再启动下一批；已写结果照常闭合，已收集失败照常写出。

// ErrPreflight 标记在创建任何输出之前发生的失败（组件缺失、输入不可读或非法、输出不可创建）。
var ErrPreflight = errors.New("preflight")

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	// Stream 写出结果数组；Writer 一次性写出失败文档。
	Stream contract.StreamWriter
	Writer contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Input        string
	Output       string
	FailedOutput string // 为空时取 Output 同目录的 failed_queries.json
	BatchSize    int
	// Limit: >0 时仅处理前 Limit 条记录。
	Limit int
	// Pacing: 相邻两批之间的等待；末批之后不等待。
	Pacing time.Duration
	// RequestTimeout: 单次请求上限；<=0 不设上限。
	RequestTimeout time.Duration
	// LLMName 仅用于终端展示。
	LLMName string
	// Sleep: 批间等待实现（测试可注入）；nil 使用 sleepWithCtx。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Summary 为运行总览。
type Summary struct {
	Records   int
	Batches   int // 已执行批数
	Successes int
	Failures  int
	// FailedPath: 失败文档路径；无失败时为空。
	FailedPath string
	Canceled   bool
}

// Run 执行完整流程：Reader → (Limit) → Batcher →（逐批：并发 Build/Invoke/Decode → 追加成功 → 累积失败 → 间隔）→ 闭合数组 → 写失败文档。
// 输入不可读或非法时在创建任何输出前返回错误。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Summary, error) {
	var sum Summary
	if err := sanity(comp, set); err != nil {
		return sum, fmt.Errorf("%w: sanity: %w", ErrPreflight, err)
	}
	sleep := set.Sleep
	if sleep == nil {
		sleep = sleepWithCtx
	}
	failedPath := set.FailedOutput
	if failedPath == "" {
		failedPath = FailedPathFor(set.Output)
	}

	// 读取输入（预检：失败即返回，不产生输出）
	rtimer := logger.StartWithKV("reader", "read", "", map[string]string{"path": set.Input})
	recs, err := comp.Reader.Read(ctx, set.Input)
	if err != nil {
		stageErr(logger, "reader", "read failed", err, "")
		return sum, fmt.Errorf("%w: reader read: %w", ErrPreflight, err)
	}
	rtimer.Finish("read", int64(len(recs)))
	diag.IncOp("reader", "finish", "success")
	if set.Limit > 0 && len(recs) > set.Limit {
		recs = recs[:set.Limit]
		logger.Info("pipeline", "limited to "+strconv.Itoa(set.Limit)+" records", map[string]string{"limit": strconv.Itoa(set.Limit)})
	}
	sum.Records = len(recs)

	btimer := logger.Start("batcher", "make")
	batches, err := comp.Batcher.Make(ctx, recs, set.BatchSize)
	if err != nil {
		stageErr(logger, "batcher", "make failed", err, "")
		return sum, fmt.Errorf("%w: batcher make: %w", ErrPreflight, err)
	}
	if err := checkCoverage(batches, len(recs), set.BatchSize); err != nil {
		stageErr(logger, "batcher", "coverage check failed", err, "")
		return sum, fmt.Errorf("%w: batcher make: %w", ErrPreflight, err)
	}
	btimer.Finish("make", int64(len(batches)))
	diag.IncOp("batcher", "finish", "success")

	term := diag.GetTerminal()
	term.RunStart(set.BatchSize, set.LLMName, len(recs), len(batches))
	runStart := time.Now()
	ok := false
	defer func() { term.RunFinish(ok, time.Since(runStart)) }()

	out, err := comp.Stream.Stream(ctx, contract.ArtifactID(set.Output))
	if err != nil {
		stageErr(logger, "writer", "open failed", err, "")
		return sum, fmt.Errorf("%w: writer stream: %w", ErrPreflight, err)
	}
	// 任何退出路径都闭合数组并写出已收集的失败
	var failures Failures
	finish := func(runErr error) (Summary, error) {
		cerr := out.Close()
		if cerr != nil {
			stageErr(logger, "writer", "close failed", cerr, "")
		}
		sum.Successes = out.Written()
		sum.Failures = failures.Len()
		wrote, perr := failures.Persist(context.WithoutCancel(ctx), comp.Writer, contract.ArtifactID(failedPath))
		if perr != nil {
			stageErr(logger, "writer", "failures write failed", perr, "")
		} else if wrote {
			sum.FailedPath = failedPath
			logger.Info("writer", "failed queries saved to "+failedPath, map[string]string{"count": strconv.Itoa(sum.Failures)})
		}
		switch {
		case runErr != nil:
			return sum, runErr
		case cerr != nil:
			return sum, fmt.Errorf("writer close: %w", cerr)
		case perr != nil:
			return sum, fmt.Errorf("writer write(failures): %w", perr)
		}
		return sum, nil
	}

	inv := &Invoker{
		Prompt:  comp.PromptBuilder,
		LLM:     comp.LLM,
		Decoder: comp.Decoder,
		Timeout: set.RequestTimeout,
		Logger:  logger,
	}
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			sum.Canceled = true
			logger.Error("pipeline", string(diag.CodeCancel), "canceled before batch "+strconv.Itoa(b.Index), nil)
			return finish(fmt.Errorf("canceled: %w", err))
		}
		bid := strconv.Itoa(b.Index)
		bt := logger.StartWithKV("executor", "batch", bid, map[string]string{
			"offset":  strconv.Itoa(b.Offset),
			"records": strconv.Itoa(len(b.Records)),
		})
		outs := ExecuteBatch(ctx, b, func(ctx context.Context, idx int, r contract.Record) contract.Outcome {
			return inv.Process(ctx, idx, r, bid)
		})
		succ, fails := contract.Partition(outs)
		bt.Finish("batch", int64(len(outs)))
		diag.IncOp("executor", "finish", "success")

		// 已完成批的结果不因取消而丢弃
		wctx := context.WithoutCancel(ctx)
		for j, s := range succ {
			if err := out.Append(wctx, s); err != nil {
				stageErr(logger, "writer", "append failed", err, bid)
				// 未写入的成功转为失败，保证本批每条记录落在两份文档之一
				unwritten := succ[j:]
				logger.ErrorWithKV("writer", string(diag.Classify(err)), "unwritten successes moved to failures", nil, bid,
					map[string]string{"count": strconv.Itoa(len(unwritten))})
				for _, u := range unwritten {
					fails = append(fails, contract.Failure{Input: u.Input, Error: "write failed: " + err.Error()})
				}
				failures.Add(fails...)
				return finish(fmt.Errorf("writer append: %w", err))
			}
			diag.IncOutcome("success")
		}
		failures.Add(fails...)
		for range fails {
			diag.IncOutcome("failure")
		}
		sum.Batches++
		term.BatchFinish(b.Index, len(succ), len(fails))

		if i+1 < len(batches) && set.Pacing > 0 {
			if err := sleep(ctx, set.Pacing); err != nil {
				sum.Canceled = true
				logger.Error("pipeline", string(diag.Classify(err)), "canceled during pacing", nil)
				return finish(fmt.Errorf("canceled: %w", err))
			}
		}
	}
	var runErr error
	if err := ctx.Err(); err != nil {
		sum.Canceled = true
		runErr = fmt.Errorf("canceled: %w", err)
	}
	s, err := finish(runErr)
	ok = err == nil
	logger.Info("pipeline", "processing complete", map[string]string{
		"output":    set.Output,
		"successes": strconv.Itoa(s.Successes),
		"failures":  strconv.Itoa(s.Failures),
	})
	return s, err
}

func sanity(c Components, s Settings) error {
	if c.Reader == nil || c.Batcher == nil || c.PromptBuilder == nil || c.LLM == nil ||
		c.Decoder == nil || c.Stream == nil || c.Writer == nil {
		return errors.New("nil component")
	}
	if s.Input == "" || s.Output == "" {
		return fmt.Errorf("%w: input and output are required", contract.ErrInvalidInput)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be > 0", contract.ErrInvalidInput)
	}
	if s.Limit < 0 || s.Pacing < 0 {
		return fmt.Errorf("%w: limit and pacing must be >= 0", contract.ErrInvalidInput)
	}
	return nil
}

// checkCoverage 校验批按序无缺口、无重叠地覆盖全部 n 条记录，且每批不超过 size。
func checkCoverage(batches []contract.Batch, n, size int) error {
	next := 0
	for i, b := range batches {
		if b.Index != i || b.Offset != next || len(b.Records) == 0 || len(b.Records) > size {
			return fmt.Errorf("batch %d (offset %d, %d records) does not continue at %d: %w",
				b.Index, b.Offset, len(b.Records), next, contract.ErrInvariantViolation)
		}
		next += len(b.Records)
	}
	if next != n {
		return fmt.Errorf("batches cover %d of %d records: %w", next, n, contract.ErrInvariantViolation)
	}
	return nil
}

// stageErr 记录阶段错误日志与指标。
func stageErr(logger *diag.Logger, comp, msg string, err error, batch string) {
	code := diag.Classify(err)
	logger.ErrorWithKV(comp, string(code), msg, nil, batch, map[string]string{"err": err.Error()})
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// sleepWithCtx 等待 d 或 ctx 结束。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
