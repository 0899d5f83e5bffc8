package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"llmrefine/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// Root: 可选输出根目录。为空时 ArtifactID 即目标路径（允许绝对路径）；
	// 非空时 ArtifactID 视为 Root 下的相对路径，并拒绝越界。
	Root string `json:"root,omitempty"`
	// Atomic: Write 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
	// SyncEachAppend: 每次 Append 后 fsync，进程崩溃后已写元素仍在盘上。
	SyncEachAppend bool `json:"sync_each_append,omitempty"`
}

type FS struct {
	root    string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
	syncAll bool
}

// New 创建文件系统 Writer 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil {
		opts = &Options{}
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &FS{
		root:    strings.TrimSpace(opts.Root),
		atomic:  atomic,
		permF:   pf,
		permD:   pd,
		bufSize: bsz,
		syncAll: opts.SyncEachAppend,
	}, nil
}

var (
	_ contract.Writer       = (*FS)(nil)
	_ contract.StreamWriter = (*FS)(nil)
)

// Write 将 r 的全部字节写入到基于 id 映射的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}

	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// Stream 截断/创建目标文件并写出数组开头，返回增量追加器。
func (w *FS) Stream(ctx context.Context, id contract.ArtifactID) (contract.ArrayAppender, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return nil, err
	}
	a := &arrayAppender{f: f, bw: bufio.NewWriterSize(f, w.bufSize), sync: w.syncAll}
	if err := a.emit([]byte(arrayOpen)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return a, nil
}

// mapPath: Clean + Join + 越界校验。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	if rel == "." || rel == "" {
		return "", contract.ErrPathInvalid
	}
	if w.root == "" {
		return rel, nil
	}
	// 有 Root：禁止绝对路径、父级逃逸、Windows 卷名
	if filepath.IsAbs(rel) {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	// 确保及时关闭
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return cleanup(err)
	}
	if err := bw.Flush(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 平台特定的原子替换（或最佳努力）
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// 数组文档外形：
//
//	[\n
//	  {元素0}
//	,\n
//	  {元素1}
//	\n]
//
// 每个元素以 2 空格缩进编码，且每行再整体前缀 2 空格。
const (
	arrayOpen  = "[\n"
	arraySep   = ",\n"
	arrayClose = "\n]"
	itemPrefix = "  "
	itemIndent = "  "
)

// ErrAppenderClosed: 在 Close 之后继续使用追加器。
var ErrAppenderClosed = errors.New("appender closed")

type arrayAppender struct {
	f       *os.File
	bw      *bufio.Writer
	sync    bool
	written int
	closed  bool
}

// EncodeItem 按数组元素外形编码单个值（首行同样带前缀，无尾随换行）。
func EncodeItem(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent(itemPrefix, itemIndent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append([]byte(itemPrefix), out...), nil
}

// Append 写入一个元素；分隔符取决于已写计数而非批序，跨批 0 成功也不会产生多余逗号。
func (a *arrayAppender) Append(ctx context.Context, v any) error {
	if a.closed {
		return ErrAppenderClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	item, err := EncodeItem(v)
	if err != nil {
		return err
	}
	if a.written > 0 {
		if _, err := a.bw.WriteString(arraySep); err != nil {
			return err
		}
	}
	if err := a.emit(item); err != nil {
		return err
	}
	a.written++
	return nil
}

func (a *arrayAppender) Written() int { return a.written }

// Close 写出数组结尾并关闭文件；重复调用返回 nil。
func (a *arrayAppender) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if _, err := a.bw.WriteString(arrayClose); err != nil {
		_ = a.f.Close()
		return err
	}
	if err := a.bw.Flush(); err != nil {
		_ = a.f.Close()
		return err
	}
	if err := a.f.Sync(); err != nil {
		_ = a.f.Close()
		return err
	}
	return a.f.Close()
}

// emit 写入并刷到 OS，使已追加元素对外部读者可见。
func (a *arrayAppender) emit(p []byte) error {
	if _, err := a.bw.Write(p); err != nil {
		return err
	}
	if err := a.bw.Flush(); err != nil {
		return err
	}
	if a.sync {
		return a.f.Sync()
	}
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
