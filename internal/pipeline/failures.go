package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"llmrefine/pkg/contract"
)

// DefaultFailedName 为失败文档的默认文件名（位于结果文档同目录）。
const DefaultFailedName = "failed_queries.json"

// FailedPathFor 返回与 output 同目录的默认失败文档路径。
func FailedPathFor(output string) string {
	return filepath.Join(filepath.Dir(output), DefaultFailedName)
}

// Failures 在整个运行期累积 Failure，按加入顺序保存。
type Failures struct {
	mu    sync.Mutex
	items []contract.Failure
}

// Add 追加一组失败。
func (f *Failures) Add(fs ...contract.Failure) {
	if len(fs) == 0 {
		return
	}
	f.mu.Lock()
	f.items = append(f.items, fs...)
	f.mu.Unlock()
}

// Len 返回已累积数量。
func (f *Failures) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Items 返回副本。
func (f *Failures) Items() []contract.Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]contract.Failure, len(f.items))
	copy(out, f.items)
	return out
}

// Persist 将全部失败以 2 空格缩进数组一次性写出；为空时不创建文件并返回 false。
func (f *Failures) Persist(ctx context.Context, w contract.Writer, id contract.ArtifactID) (bool, error) {
	items := f.Items()
	if len(items) == 0 {
		return false, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return false, err
	}
	body := bytes.TrimRight(buf.Bytes(), "\n")
	if err := w.Write(ctx, id, bytes.NewReader(body)); err != nil {
		return false, err
	}
	return true, nil
}
