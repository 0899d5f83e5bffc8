package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrefine/pkg/contract"
)

func noTmpLeft(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "tmp file not cleaned: %s", e.Name())
	}
}

// TestWriteAtomic 原子写入
func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{Root: dir})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "out.txt", bytes.NewBufferString("data")))
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
	noTmpLeft(t, dir)
}

// 当目标已存在时，Atomic 写应替换为新内容。
func TestWriteAtomicReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(nil)
	dest := filepath.Join(dir, "out.txt")
	require.NoError(t, w.Write(context.Background(), contract.ArtifactID(dest), bytes.NewBufferString("v1")))
	require.NoError(t, w.Write(context.Background(), contract.ArtifactID(dest), bytes.NewBufferString("v2")))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b))
	noTmpLeft(t, dir)
}

// TestWritePathInvalid 路径越界
func TestWritePathInvalid(t *testing.T) {
	w, _ := New(&Options{Root: t.TempDir()})
	err := w.Write(context.Background(), "../bad", bytes.NewBufferString("x"))
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
	_, err = w.Stream(context.Background(), "../bad")
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
}

func TestMapPathNoRoot(t *testing.T) {
	w, _ := New(nil)
	p, err := w.mapPath("a/../b.json")
	require.NoError(t, err)
	assert.Equal(t, "b.json", p)
	_, err = w.mapPath("")
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
}

// TestWriteNonAtomic 非原子写入，自动创建父目录
func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	a := false
	w, _ := New(&Options{Root: dir, Atomic: &a})
	require.NoError(t, w.Write(context.Background(), "sub/out.txt", bytes.NewBufferString("v")))
	_, err := os.Stat(filepath.Join(dir, "sub", "out.txt"))
	assert.NoError(t, err)
}

// TestWriteCtxCancel 上下文取消
func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(&Options{Root: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, w.Write(ctx, "a.txt", strings.NewReader("data")))
	_, err := w.Stream(ctx, "a.json")
	assert.ErrorIs(t, err, context.Canceled)
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

// TestWriteAtomicCopyError 原子写入时拷贝失败
func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Root: dir})
	require.Error(t, w.Write(context.Background(), "a.txt", errReader{}))
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

// TestReaderWithCtxCancel reader 在读取前取消
func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	_, err := r.Read(make([]byte, 1))
	assert.Error(t, err)
}

// 数组外形与逐字节格式
func TestStreamLayout(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Root: dir})
	ctx := context.Background()
	a, err := w.Stream(ctx, "out.json")
	require.NoError(t, err)
	require.NoError(t, a.Append(ctx, contract.Success{Input: "q1", Output: "a1", OriginalOutput: "o1"}))
	require.NoError(t, a.Append(ctx, contract.Success{Input: "q2", Output: "<b>", OriginalOutput: "o2"}))
	assert.Equal(t, 2, a.Written())
	require.NoError(t, a.Close())

	b, err := os.ReadFile(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	want := "[\n" +
		"  {\n    \"input\": \"q1\",\n    \"output\": \"a1\",\n    \"original_output\": \"o1\"\n  }" +
		",\n" +
		"  {\n    \"input\": \"q2\",\n    \"output\": \"<b>\",\n    \"original_output\": \"o2\"\n  }" +
		"\n]"
	assert.Equal(t, want, string(b))
}

// 零元素仍是合法的空数组
func TestStreamEmpty(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Root: dir})
	a, err := w.Stream(context.Background(), "out.json")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	b, _ := os.ReadFile(filepath.Join(dir, "out.json"))
	var got []contract.Success
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Empty(t, got)
}

// 中间某批全部失败：不得出现 ",\n,\n" 之类的多余分隔
func TestStreamZeroSuccessMiddleBatch(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Root: dir, SyncEachAppend: true})
	ctx := context.Background()
	a, err := w.Stream(ctx, "out.json")
	require.NoError(t, err)
	batches := [][]contract.Success{
		{{Input: "a", Output: "1"}},
		{},
		{{Input: "b", Output: "2"}, {Input: "c", Output: "3"}},
	}
	for _, bs := range batches {
		for _, s := range bs {
			require.NoError(t, a.Append(ctx, s))
		}
	}
	require.NoError(t, a.Close())
	raw, _ := os.ReadFile(filepath.Join(dir, "out.json"))
	var got []contract.Success
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].Input, got[1].Input, got[2].Input})
}

// 每次 Append 后内容已对外可见（未闭合数组）
func TestStreamVisibleBeforeClose(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Root: dir})
	ctx := context.Background()
	a, err := w.Stream(ctx, "out.json")
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Append(ctx, contract.Success{Input: "x"}))
	b, _ := os.ReadFile(filepath.Join(dir, "out.json"))
	assert.True(t, strings.HasPrefix(string(b), "[\n  {"))
	assert.False(t, strings.HasSuffix(string(b), "]"))
}

func TestStreamAfterClose(t *testing.T) {
	w, _ := New(&Options{Root: t.TempDir()})
	a, err := w.Stream(context.Background(), "out.json")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "重复 Close 为空操作")
	assert.ErrorIs(t, a.Append(context.Background(), 1), ErrAppenderClosed)
}

func TestEncodeItemUnsupported(t *testing.T) {
	_, err := EncodeItem(make(chan int))
	assert.Error(t, err)
}
