package contract

import "context"

// Batcher: 将有序 Record 序列切分为若干 Batch。
// 约束：
//  1. 不重排、不丢失、不重叠；
//  2. 每批长度 ≤ size，批数为 ceil(N/size)；
//  3. Batch.Index 自 0 连续递增，Batch.Offset 为首条记录的全局位置。
type Batcher interface {
	Make(ctx context.Context, records []Record, size int) ([]Batch, error)
}
