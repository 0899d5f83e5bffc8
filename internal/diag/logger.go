package diag

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger 为结构化日志器：经 zerolog 输出单行 JSON 事件，默认写入轮转文件，失败时回退 stderr。
// nil *Logger 的全部方法均为 no-op，便于组件在未注入日志器时直接调用。
type Logger struct {
	zl   zerolog.Logger
	sink io.Closer
}

// NewLogger 通过配置的 level 初始化，日志写入 logs/ 目录，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	return newLogger(corrID, level, fallbackWriter{primary: sink}, sink)
}

// NewLoggerTo 将日志写入给定 w（测试与自定义 sink 使用）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	return newLogger(corrID, level, w, nil)
}

func newLogger(corrID, level string, w io.Writer, c io.Closer) *Logger {
	zl := zerolog.New(w).Level(parseLevel(level)).With().Str("corr_id", corrID).Logger()
	return &Logger{zl: zl, sink: c}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Close 释放底层 sink（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件字段集合。
type Event struct {
	Comp  string
	Stage string // start|finish|error
	Code  string
	DurMS int64
	Count int64
	Batch string
	Msg   string
	KV    map[string]string
}

func (l *Logger) emit(e *zerolog.Event, ev Event) {
	if e == nil {
		return
	}
	e = e.Str("ts", NowUTC()).Str("comp", ev.Comp).Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS != 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.Batch != "" {
		e = e.Str("batch_id", ev.Batch)
	}
	if len(ev.KV) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.KV {
			d = d.Str(k, v)
		}
		e = e.Dict("kv", d)
	}
	e.Str("msg", ev.Msg).Send()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	if l == nil {
		return nil
	}
	l.emit(l.zl.Info(), Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 batch_id 的 start。
func (l *Logger) StartWith(comp, msg, batch string) *Timer {
	if l == nil {
		return nil
	}
	l.emit(l.zl.Info(), Event{Comp: comp, Stage: "start", Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, batch string, kv map[string]string) *Timer {
	if l == nil {
		return nil
	}
	l.emit(l.zl.Info(), Event{Comp: comp, Stage: "start", Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, batch: batch, t0: time.Now()}
}

// Info 记录普通信息事件。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	if l == nil {
		return
	}
	l.emit(l.zl.Info(), Event{Comp: comp, Stage: "info", Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", nil)
}

// ErrorWith 支持 batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, batch string, kv map[string]string) {
	if l == nil {
		return
	}
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.emit(l.zl.Error(), Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	if l == nil {
		return
	}
	l.emit(l.zl.Info(), Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, batch string, kv map[string]string) {
	if l == nil {
		return
	}
	l.emit(l.zl.Debug(), Event{Comp: comp, Stage: "start", Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	batch string
	t0    time.Time
}

// Finish 记录 finish；可选 count。同时记录阶段耗时指标。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.emit(t.l.zl.Info(), Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, Batch: t.batch, Msg: msg})
	ObserveDuration(t.comp, msg, dur)
}

// fallbackWriter: 主 sink 写失败时回退 stderr。
type fallbackWriter struct {
	primary *RotatingFile
}

func (w fallbackWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	if err := w.primary.WriteLine(line); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		if _, err := os.Stderr.Write(append(line, '\n')); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
