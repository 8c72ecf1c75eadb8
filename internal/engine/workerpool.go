package engine

import (
	"context"
	"sync"
)

// runPool runs fn over items using a fixed-size pool of workers, preserving
// the ordering of items in the returned slice. Preparation and Replication
// each get their own instantiation of this helper rather than sharing a
// pool, since the two phases run strictly sequentially.
//
// Every item is dispatched to a worker regardless of cancellation state, so
// every slot of the returned slice reflects an actual fn invocation rather
// than a zero value standing in for "never ran". fn is expected to check
// stop.Load() and ctx.Err() itself at the top of its per-item work and
// return quickly once either is tripped.
func runPool[T, R any](ctx context.Context, items []T, workers int, stop *stopFlag, fn func(ctx context.Context, item T) R) []R {
	if workers <= 0 {
		workers = 1
	}
	_ = stop // fn observes stop itself; kept as a parameter so call sites read clearly

	type job struct {
		index int
		item  T
	}
	type result struct {
		index int
		value R
	}

	jobs := make(chan job, workers*2)
	results := make(chan result, len(items))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- result{index: j.index, value: fn(ctx, j.item)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, item := range items {
			jobs <- job{index: i, item: item}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]R, len(items))
	for r := range results {
		ordered[r.index] = r.value
	}
	return ordered
}
