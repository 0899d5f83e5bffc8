package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"llmrefine/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// Format: "json"（顶层数组）或 "jsonl"（每行一个对象）。
	// 为空时按扩展名判断：.jsonl/.ndjson 为 jsonl，其余为 json。
	Format string `json:"format"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize int
	format  string
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	r := &FileSystem{bufSize: defaultBuf}
	if opts != nil {
		if opts.BufSize > 0 {
			r.bufSize = opts.BufSize
		}
		r.format = strings.ToLower(strings.TrimSpace(opts.Format))
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Read 一次性加载 path 指向的记录集合；path 为 "-" 时读取 STDIN。
// 元素必须是同时含 "input" 与 "output" 字符串字段的对象；多余字段忽略。
func (r *FileSystem) Read(ctx context.Context, path string) ([]contract.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("reader: empty input path: %w", contract.ErrInvalidInput)
	}

	var src io.Reader
	if path == "-" {
		src = bufio.NewReaderSize(os.Stdin, r.bufSize)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src = bufio.NewReaderSize(f, r.bufSize)
	}

	if r.formatFor(path) == "jsonl" {
		return r.readLines(ctx, src)
	}
	return r.readArray(ctx, src)
}

func (r *FileSystem) formatFor(path string) string {
	if r.format != "" {
		return r.format
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return "jsonl"
	default:
		return "json"
	}
}

func (r *FileSystem) readArray(ctx context.Context, src io.Reader) ([]contract.Record, error) {
	var items []json.RawMessage
	if err := json.NewDecoder(src).Decode(&items); err != nil {
		return nil, fmt.Errorf("reader: input must be a JSON array: %v: %w", err, contract.ErrInvalidInput)
	}
	recs := make([]contract.Record, 0, len(items))
	for i, it := range items {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		rec, err := toRecord(it)
		if err != nil {
			return nil, fmt.Errorf("reader: element %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *FileSystem) readLines(ctx context.Context, src io.Reader) ([]contract.Record, error) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, r.bufSize), 64*1024*1024)
	var recs []contract.Record
	line := 0
	for sc.Scan() {
		line++
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := toRecord(b)
		if err != nil {
			return nil, fmt.Errorf("reader: line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

var errMissingField = errors.New("missing required field")

func toRecord(b []byte) (contract.Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
		return contract.Record{}, fmt.Errorf("element is not an object: %w", contract.ErrInvalidInput)
	}
	var rec contract.Record
	for _, f := range []struct {
		key string
		dst *string
	}{{"input", &rec.Input}, {"output", &rec.Output}} {
		v, ok := obj[f.key]
		if !ok {
			return contract.Record{}, fmt.Errorf("%w %q: %w", errMissingField, f.key, contract.ErrInvalidInput)
		}
		// null 对 string 是静默 no-op，须显式拒绝
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return contract.Record{}, fmt.Errorf("field %q must be a string, got null: %w", f.key, contract.ErrInvalidInput)
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return contract.Record{}, fmt.Errorf("field %q must be a string: %w", f.key, contract.ErrInvalidInput)
		}
	}
	return rec, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
