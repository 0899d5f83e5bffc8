package contract

import "context"

// Reader: 输入集合抽象。一次性加载完整的 Record 序列（顺序即源顺序）。
// 约束：元素缺少必需字段时返回 ErrInvalidInput；不做去重或内容校验。
type Reader interface {
	Read(ctx context.Context, path string) ([]Record, error)
}
