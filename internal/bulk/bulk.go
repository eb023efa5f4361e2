// Package bulk runs independent jobs on a fixed-size worker pool. Workers
// report back only through completion messages.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Operation represents a bulk operation configuration
type Operation struct {
	Workers         int
	ContinueOnError bool
	// Progress, when set, is called by the coordinator after every
	// completion.
	Progress func(done, total int)
}

// JobFunc runs job number job and returns the rows it moved.
type JobFunc[T any] func(ctx context.Context, job int) (moved int64, value T, err error)

// Completion is the one-shot message a worker sends for each job.
type Completion[T any] struct {
	Worker  int
	Job     int
	Moved   int64
	Value   T
	Err     error
	Skipped bool
}

// Result is the coordinator's aggregate of all completions.
type Result[T any] struct {
	TotalJobs   int
	Succeeded   int
	Failed      int
	Skipped     int
	Moved       int64
	Completions []Completion[T]
}

// Err joins the errors of every failed job, or returns nil.
func (r *Result[T]) Err() error {
	var errs []error
	for _, c := range r.Completions {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("job %d (worker %d): %w", c.Job, c.Worker, c.Err))
		}
	}
	return errors.Join(errs...)
}

// Execute runs jobs 0..jobs-1 and blocks until every job has reported.
// Completions are returned indexed by job. Unless ContinueOnError is set,
// jobs still queued after a failure are skipped; running jobs finish.
func Execute[T any](ctx context.Context, op Operation, jobs int, fn JobFunc[T]) *Result[T] {
	result := &Result[T]{
		TotalJobs:   jobs,
		Completions: make([]Completion[T], jobs),
	}
	if jobs == 0 {
		return result
	}

	workers := op.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, jobs)

	queue := make(chan int, jobs)
	for i := 0; i < jobs; i++ {
		queue <- i
	}
	close(queue)

	done := make(chan Completion[T], jobs)
	var stop atomic.Bool

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for job := range queue {
				if !op.ContinueOnError && stop.Load() {
					done <- Completion[T]{Worker: worker, Job: job, Skipped: true}
					continue
				}
				moved, value, err := fn(ctx, job)
				if err != nil && !op.ContinueOnError {
					stop.Store(true)
				}
				done <- Completion[T]{Worker: worker, Job: job, Moved: moved, Value: value, Err: err}
			}
		}(w)
	}

	for received := 0; received < jobs; received++ {
		c := <-done
		result.Completions[c.Job] = c
		switch {
		case c.Skipped:
			result.Skipped++
		case c.Err != nil:
			result.Failed++
		default:
			result.Succeeded++
			result.Moved += c.Moved
		}
		if op.Progress != nil {
			op.Progress(received+1, jobs)
		}
	}
	wg.Wait()

	return result
}
