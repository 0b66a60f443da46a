package device

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		q.Submit(func() error {
			order = append(order, i)
			return nil
		})
	}
	if err := q.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if len(order) != 100 {
		t.Fatalf("Expected 100 jobs to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Job %d ran at position %d", v, i)
		}
	}
}

func TestQueueSkipsAfterFailure(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()

	boom := errors.New("boom")
	ran := false
	first := q.Submit(func() error { return boom })
	second := q.Submit(func() error { ran = true; return nil })

	if err := q.Finish(); !errors.Is(err, boom) {
		t.Fatalf("Expected Finish to report boom, got %v", err)
	}
	if err := first.Wait(); !errors.Is(err, boom) {
		t.Errorf("Expected first event to carry boom, got %v", err)
	}
	if err := second.Wait(); !errors.Is(err, ErrSkipped) {
		t.Errorf("Expected second event to be skipped, got %v", err)
	}
	if ran {
		t.Error("Job after a failure should not run")
	}

	// the failure is cleared by Finish
	ok := q.Submit(func() error { return nil })
	if err := q.Finish(); err != nil {
		t.Fatalf("Expected clean batch after Finish, got %v", err)
	}
	if !ok.Done() {
		t.Error("Expected event to be done after Finish")
	}
}

func TestParallelFor(t *testing.T) {
	for _, threads := range []int{0, 1, 3, 16} {
		var sum int64
		seen := make([]int32, 50)
		ParallelFor(len(seen), threads, func(i int) {
			atomic.AddInt32(&seen[i], 1)
			atomic.AddInt64(&sum, int64(i))
		})
		for i, s := range seen {
			if s != 1 {
				t.Errorf("threads=%d: index %d visited %d times", threads, i, s)
			}
		}
		if sum != 49*50/2 {
			t.Errorf("threads=%d: sum=%d; want %d", threads, sum, 49*50/2)
		}
	}
}

func TestCheckBudget(t *testing.T) {
	r := &Resources{BudgetMB: 1}
	if err := r.CheckBudget(1024); err != nil {
		t.Errorf("Small buffer should fit: %v", err)
	}
	if err := r.CheckBudget(1 << 20); err == nil {
		t.Error("8 MB should exceed a 1 MB budget")
	}
	unknown := &Resources{}
	if err := unknown.CheckBudget(1 << 30); err != nil {
		t.Errorf("Unknown budget should not fail: %v", err)
	}
}
