package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Parallel 以最多 workers 个协程执行 fn(0..n-1)。
// 第一个错误会取消其余调用，返回值为按下标最小的错误，结果与调度顺序无关。
func Parallel(ctx context.Context, workers, n int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return err
			}
			if err := fn(gctx, i); err != nil {
				errs[i] = err
				return err
			}
			return nil
		})
	}
	g.Wait()

	// 优先返回真实失败，而非由取消引起的连带错误
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return first
}
