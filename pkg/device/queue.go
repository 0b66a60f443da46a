// Package device models the execution resources a reconstruction runs on:
// a FIFO command queue whose jobs run asynchronously to the control thread,
// completion events, and the host limits (threads, memory) kernels may use.
package device

import (
	"errors"
	"sync"
)

// ErrSkipped is reported by events of jobs that were not run because an
// earlier job of the same batch failed.
var ErrSkipped = errors.New("device: job skipped after earlier failure")

// Event is a completion signal for a submitted job.
type Event struct {
	done chan struct{}
	err  error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// Wait blocks until the job has run and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Done reports whether the job has completed, without blocking.
func (e *Event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

type job struct {
	fn func() error
	ev *Event
}

// Queue executes submitted jobs one at a time, in submission order, on a
// single worker goroutine. Submission order therefore defines the data
// dependency order between jobs touching the same buffers.
//
// The first failing job of a batch is remembered; the remaining jobs of that
// batch are skipped until Finish reports the failure.
type Queue struct {
	jobs chan job

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	stopped   chan struct{}
}

// NewQueue starts a queue that buffers up to depth pending jobs before
// Submit blocks.
func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	q := &Queue{
		jobs:    make(chan job, depth),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.stopped)
	for j := range q.jobs {
		q.mu.Lock()
		failed := q.err != nil
		q.mu.Unlock()

		if failed {
			j.ev.complete(ErrSkipped)
			continue
		}
		err := j.fn()
		if err != nil {
			q.mu.Lock()
			q.err = err
			q.mu.Unlock()
		}
		j.ev.complete(err)
	}
}

// Submit enqueues fn and returns its completion event. It must not be called
// after Close, nor from inside a job.
func (q *Queue) Submit(fn func() error) *Event {
	ev := newEvent()
	q.jobs <- job{fn: fn, ev: ev}
	return ev
}

// Finish blocks until every job submitted so far has completed and returns
// the first failure of the batch, clearing it.
func (q *Queue) Finish() error {
	q.Submit(func() error { return nil }).Wait()
	q.mu.Lock()
	err := q.err
	q.err = nil
	q.mu.Unlock()
	return err
}

// Close drains pending jobs and stops the worker.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.jobs)
		<-q.stopped
	})
}
