package contract

import "context"

// Decoder: 将服务返回的 Raw 解码为 Pair。
// 约束：所有解析问题以 *ResponseError 返回（携带原始文本），不得 panic 越过边界。
type Decoder interface {
	Decode(ctx context.Context, raw Raw) (Pair, error)
}
