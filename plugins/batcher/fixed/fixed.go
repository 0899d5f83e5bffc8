package fixed

import (
	"context"
	"fmt"

	"llmrefine/pkg/contract"
)

// Options: 定长 Batcher 当前无配置项；保留结构以便严格拒绝未知键。
// 截断输入由 limit 负责，切分必须覆盖全部记录。
type Options struct{}

// Batcher 以固定长度连续切分 Record 序列。
type Batcher struct{}

// New 创建定长 Batcher。
func New(_ *Options) *Batcher { return &Batcher{} }

var _ contract.Batcher = (*Batcher)(nil)

// Make 按 size 连续切片：批数为 ceil(N/size)，仅末批可能更短。
// Batch.Records 与入参共享底层数组，调用方不得修改。
func (b *Batcher) Make(ctx context.Context, records []contract.Record, size int) ([]contract.Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batcher: size must be > 0, got %d: %w", size, contract.ErrInvariantViolation)
	}
	n := len(records)
	if n == 0 {
		return nil, nil
	}
	count := (n + size - 1) / size
	batches := make([]contract.Batch, 0, count)
	for i := 0; i < count; i++ {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		from := i * size
		to := from + size
		if to > n {
			to = n
		}
		batches = append(batches, contract.Batch{Index: i, Offset: from, Records: records[from:to:to]})
	}
	return batches, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
