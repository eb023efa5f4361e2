package bulk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSequentialExecution(t *testing.T) {
	var order []int
	op := Operation{Workers: 1}

	result := Execute(context.Background(), op, 5, func(_ context.Context, job int) (int64, string, error) {
		order = append(order, job)
		return int64(job * 10), "ok", nil
	})

	if result.TotalJobs != 5 {
		t.Errorf("Expected 5 total jobs, got %d", result.TotalJobs)
	}
	if result.Succeeded != 5 {
		t.Errorf("Expected 5 successes, got %d", result.Succeeded)
	}
	if result.Moved != 100 {
		t.Errorf("Expected 100 rows moved, got %d", result.Moved)
	}
	for i, job := range order {
		if job != i {
			t.Errorf("Order not preserved: expected %d at index %d, got %d", i, i, job)
		}
	}
	if err := result.Err(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestParallelExecution(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    = make(map[int]bool)
		running int32
		peak    int32
	)
	op := Operation{Workers: 4}

	result := Execute(context.Background(), op, 8, func(_ context.Context, job int) (int64, int, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)

		mu.Lock()
		seen[job] = true
		mu.Unlock()
		return 1, job * job, nil
	})

	if result.Succeeded != 8 {
		t.Errorf("Expected 8 successes, got %d", result.Succeeded)
	}
	if len(seen) != 8 {
		t.Errorf("Expected 8 distinct jobs, got %d", len(seen))
	}
	if peak > 4 {
		t.Errorf("Expected at most 4 concurrent workers, saw %d", peak)
	}
	for i, c := range result.Completions {
		if c.Job != i || c.Value != i*i {
			t.Errorf("Completion %d out of place: %+v", i, c)
		}
	}
}

func TestStopOnError(t *testing.T) {
	op := Operation{Workers: 1}
	boom := errors.New("boom")

	result := Execute(context.Background(), op, 4, func(_ context.Context, job int) (int64, struct{}, error) {
		if job == 1 {
			return 0, struct{}{}, boom
		}
		return 5, struct{}{}, nil
	})

	if result.Succeeded != 1 || result.Failed != 1 || result.Skipped != 2 {
		t.Errorf("Expected 1/1/2 succeeded/failed/skipped, got %d/%d/%d", result.Succeeded, result.Failed, result.Skipped)
	}
	if result.Moved != 5 {
		t.Errorf("Expected 5 rows from the successful job, got %d", result.Moved)
	}
	if !errors.Is(result.Err(), boom) {
		t.Errorf("Expected joined error to wrap boom, got %v", result.Err())
	}
}

func TestContinueOnError(t *testing.T) {
	var calls int32
	op := Operation{Workers: 2, ContinueOnError: true}

	result := Execute(context.Background(), op, 6, func(_ context.Context, job int) (int64, struct{}, error) {
		atomic.AddInt32(&calls, 1)
		if job%2 == 0 {
			return 0, struct{}{}, errors.New("even")
		}
		return 1, struct{}{}, nil
	})

	if calls != 6 {
		t.Errorf("Expected every job to run, got %d", calls)
	}
	if result.Failed != 3 || result.Succeeded != 3 {
		t.Errorf("Expected 3 failures and 3 successes, got %d and %d", result.Failed, result.Succeeded)
	}
}

func TestProgressAndEmpty(t *testing.T) {
	var last, total int
	op := Operation{Workers: 3, Progress: func(done, n int) { last, total = done, n }}

	Execute(context.Background(), op, 7, func(context.Context, int) (int64, struct{}, error) {
		return 0, struct{}{}, nil
	})
	if last != 7 || total != 7 {
		t.Errorf("Expected final progress 7/7, got %d/%d", last, total)
	}

	empty := Execute(context.Background(), op, 0, func(context.Context, int) (int64, struct{}, error) {
		t.Fatal("no job should run")
		return 0, struct{}{}, nil
	})
	if empty.TotalJobs != 0 || len(empty.Completions) != 0 {
		t.Errorf("Expected empty result, got %+v", empty)
	}
}
