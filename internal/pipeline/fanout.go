package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// task is one named unit of a fan-out phase. The closure owns its result
// slot, so where a result lands is fixed by the task's name, never by
// completion order.
type task struct {
	name string
	run  func(context.Context) error
}

// fanOut runs every task to completion, bounded by the configured
// parallelism. A failing task does not cancel its siblings: partial
// results are the point of the fan-out phases. The returned error is the
// first failure in declared task order, independent of timing.
func (e *Engine) fanOut(ctx context.Context, tasks []task) error {
	sem := semaphore.NewWeighted(e.cfg.FanOutParallelism)
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, t := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, t task) {
			defer wg.Done()
			defer sem.Release(1)
			// A panicking task must fail its slot, not the process.
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = fmt.Errorf("task %s panicked: %v", t.name, rec)
				}
			}()
			errs[i] = t.run(ctx)
		}(i, t)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
