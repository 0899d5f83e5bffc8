package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"llmrefine/pkg/contract"
)

// ProcessFunc 处理一条记录并返回其 Outcome。
type ProcessFunc func(ctx context.Context, idx int, r contract.Record) contract.Outcome

// ExecuteBatch 为批内每条记录各启动一个任务并等待全部完成。
// 返回值与 batch.Records 一一对应、顺序一致，与完成先后无关。
// 任务从不返回错误，因此一条失败不会取消同批其它任务；任务内 panic 转为该条的 Failure。
func ExecuteBatch(ctx context.Context, batch contract.Batch, process ProcessFunc) []contract.Outcome {
	n := len(batch.Records)
	outs := make([]contract.Outcome, n)
	if n == 0 {
		return outs
	}
	var g errgroup.Group
	g.SetLimit(n)
	for i, rec := range batch.Records {
		idx := batch.Offset + i
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					outs[i] = contract.Failed(idx, contract.Failure{Input: rec.Input, Error: fmt.Sprintf("panic: %v", p)})
				}
			}()
			outs[i] = process(ctx, idx, rec)
			return nil
		})
	}
	_ = g.Wait()
	// 每条记录恰好一个 Outcome：未带结果的一律转为失败
	for i, o := range outs {
		if _, ok := o.Success(); ok {
			continue
		}
		if _, ok := o.Failure(); ok {
			continue
		}
		idx := batch.Offset + i
		outs[i] = contract.Failed(idx, contract.Failure{Input: batch.Records[i].Input, Error: contract.UntaggedOutcomeError(idx)})
	}
	return outs
}
