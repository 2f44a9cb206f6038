package align

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers returns the worker count used when a config leaves it at zero
func DefaultWorkers() int {
	return max(runtime.NumCPU(), 1)
}

// parallelRange splits [0, n) into contiguous chunks and runs fn over them on
// at most workers goroutines. Chunk boundaries never influence results: every
// caller writes into per-index slots.
func parallelRange(ctx context.Context, n, workers int, fn func(lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers == 1 || n < 64 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(0, n)
	}

	chunk := (n + workers*4 - 1) / (workers * 4)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return group.Wait()
}
