package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrefine/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	require.NoError(t, w.WriteLine([]byte("first line that is very long")))
	require.NoError(t, w.WriteLine([]byte("second")))
	require.NoError(t, w.Close())
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2, "应存在轮转文件")
}

// 当前文件名与时间戳文件均存在
func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")))
	}
	defer w.Close()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == "llmrefine-current.txt" {
			hasCurrent = true
		} else if strings.HasPrefix(e.Name(), "llmrefine-") && strings.HasSuffix(e.Name(), ".txt") {
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent, "缺少 current 文件")
	assert.True(t, hasRotated, "缺少轮转文件")
}

// 未写入前不创建目录
func TestRotatingFileLazyDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	w := NewRotatingFile(dir, 0)
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err), "首次写入前不应创建目录")
	require.NoError(t, w.WriteLine([]byte("a")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "重复 Close 应为 no-op")
	b, err := os.ReadFile(filepath.Join(dir, "llmrefine-current.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(b))
}

// UT-DIAG-02: 指标计数
func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("comp", "stage", "success"))
	IncOp("comp", "stage", "success")
	assert.Equal(t, before+1, testutil.ToFloat64(opTotal.WithLabelValues("comp", "stage", "success")))

	beforeErr := testutil.ToFloat64(errorTotal.WithLabelValues("comp", "code"))
	IncError("comp", "code")
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(errorTotal.WithLabelValues("comp", "code")))

	beforeOut := testutil.ToFloat64(outcomeTotal.WithLabelValues("failure"))
	IncOutcome("failure")
	assert.Equal(t, beforeOut+1, testutil.ToFloat64(outcomeTotal.WithLabelValues("failure")))

	ObserveDuration("comp", "stage", 12)
	n, err := testutil.GatherAndCount(Gatherer(), "llmrefine_op_duration_ms")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

// 指标导出为 textfile 格式
func TestWriteMetrics(t *testing.T) {
	IncOutcome("success")
	path := filepath.Join(t.TempDir(), "llmrefine.prom")
	require.NoError(t, WriteMetrics(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "llmrefine_outcome_total")
}

type fakeUpstream struct{}

func (fakeUpstream) Error() string           { return "upstream 503" }
func (fakeUpstream) UpstreamStatus() int     { return 503 }
func (fakeUpstream) UpstreamMessage() string { return "unavailable" }

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"protocol", contract.ErrResponseInvalid, CodeProtocol},
		{"response error", &contract.ResponseError{Raw: "x", Reason: "y"}, CodeProtocol},
		{"cancel", context.Canceled, CodeCancel},
		{"deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), CodeCancel},
		{"io", &fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{"network", &net.DNSError{Err: "x"}, CodeNetwork},
		{"rate limit", contract.ErrRateLimited, CodeRateLimit},
		{"invariant", fmt.Errorf("x: %w", contract.ErrInvalidInput), CodeInvariant},
		{"upstream", fmt.Errorf("x: %w", fakeUpstream{}), CodeUpstream},
		{"unknown", errors.New("other"), CodeUnknown},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// Logger 输出的事件形状
func TestLoggerEventShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr", "debug", &buf)
	timer := l.StartWithKV("llm_client", "invoke", "3", map[string]string{"idx": "7"})
	timer.Finish("invoke", 1)
	l.ErrorWithKV("llm_client", "upstream", "invoke failed", nil, "3", map[string]string{"http_status": "500"})
	l.DebugStart("decoder", "raw", "3", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "info", ev["level"])
	assert.Equal(t, "corr", ev["corr_id"])
	assert.Equal(t, "llm_client", ev["comp"])
	assert.Equal(t, "start", ev["stage"])
	assert.Equal(t, "3", ev["batch_id"])
	assert.Equal(t, "invoke", ev["msg"])
	assert.Equal(t, map[string]any{"idx": "7"}, ev["kv"])
	assert.NotEmpty(t, ev["ts"])

	ev = nil
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &ev))
	assert.Equal(t, "error", ev["level"])
	assert.Equal(t, "upstream", ev["code"])
	assert.Equal(t, map[string]any{"http_status": "500"}, ev["kv"])
}

// 级别过滤与 nil 接收者
func TestLoggerLevelsAndNil(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("c", "warn", &buf)
	l.DebugStart("comp", "msg", "b", nil)
	l.Start("comp", "msg").Finish("ok", 1)
	l.Info("comp", "msg", nil)
	assert.Empty(t, buf.String(), "warn 级别应过滤 debug/info")
	start := time.Now().Add(-10 * time.Millisecond)
	l.Error("comp", "code", "msg", &start)
	assert.Contains(t, buf.String(), `"dur_ms"`)

	var nl *Logger
	nl.Start("c", "m").Finish("x", 0)
	nl.StartWith("c", "m", "b").Finish("x", 0)
	nl.ErrorWith("c", "code", "m", nil, "b")
	nl.InfoFinish("c", "m", time.Now(), 0)
	require.NoError(t, nl.Close())
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
}

// 文件 sink 路径
func TestLoggerWithSink(t *testing.T) {
	cwd, _ := os.Getwd()
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)
	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, "logs", "llmrefine-current.txt"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(b), "\n"))
}

func TestNowUTC(t *testing.T) {
	_, err := time.Parse(time.RFC3339, NowUTC())
	require.NoError(t, err)
}

// UT-DIAG-03: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY, "strings.Builder 不是终端")
	term.RunStart(5, "openai", 12, 3)
	term.BatchFinish(0, 5, 0)
	term.BatchFinish(1, 3, 2)
	term.BatchFinish(2, 2, 0)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 记录=12 | 批次=3 | 批大小=5 | llm=openai")
	assert.Contains(t, out, "[batch] 2/3 | 成功 8 | 失败 2")
	assert.Contains(t, out, "[ok] 批次 3/3 | 成功 10 | 失败 2 | 总用时 41.3s")
}

// UT-DIAG-04: 终端（TTY）单行覆盖与清尾
func TestTerminalTTYInline(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock", 4, 2)
	term.BatchFinish(0, 2, 0)
	assert.Contains(t, sb.String(), "\r[batch] 1/2")
	term.RunFinish(false, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	require.GreaterOrEqual(t, idx, 0)
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	require.GreaterOrEqual(t, cr, 0, "fail 行之前应回车清尾")
	assert.Contains(t, seg[cr+1:], " ")
}

// UT-DIAG-05: 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.RunStart(1, "x", 1, 1)
	require.False(t, term.enabled, "写失败后应禁用")
	term.BatchFinish(0, 1, 0)
	term.RunFinish(true, 0)

	var tn *Terminal
	tn.RunStart(1, "x", 0, 0)
	tn.BatchFinish(0, 0, 0)
	tn.RunFinish(true, 0)
}

func TestTerminalCIEnvAndGlobal(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	assert.False(t, term.isTTY, "CI 环境视为非 TTY")

	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
	SetTerminal(term)
	assert.NotNil(t, GetTerminal())
	SetTerminal(nil)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
}
