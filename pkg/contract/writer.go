package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（通常为文件路径）。
type ArtifactID string

// Writer: 将完整文档一次性持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// StreamWriter: 以数组文档形式增量写出元素。
type StreamWriter interface {
	Stream(ctx context.Context, id ArtifactID) (ArrayAppender, error)
}

// ArrayAppender: 增量数组写出器（单写者，非并发安全）。
//   - Append 写入一个元素；是否需要分隔符由自身的已写计数决定；
//   - Written 返回已写元素数；
//   - Close 闭合数组；未 Close 的文件为未闭合数组，需修复或重新生成后才能复用。
type ArrayAppender interface {
	Append(ctx context.Context, v any) error
	Written() int
	Close() error
}

// DocumentWriter: 同时支持一次性写出与增量数组写出的实现。
type DocumentWriter interface {
	Writer
	StreamWriter
}
