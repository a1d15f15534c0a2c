// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package queue implements the bounded FIFO admission queue between the API
// surfaces and the single pipeline worker.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrFull is returned by TryEnqueue when the queue is at capacity. Admission
// never blocks; callers translate this into a 429.
var ErrFull = errors.New("queue: full")

// Outcome is delivered on a job's completion signal when it reaches a
// terminal status.
type Outcome struct {
	JobID  string
	Failed bool
}

// Queue is a fixed-capacity FIFO of job ids with per-job completion signals.
// Enqueue order equals dequeue order; the signal lets the synchronous API
// path wait for a specific job without polling.
type Queue struct {
	ch chan string

	mu      sync.Mutex
	waiters map[string][]chan Outcome
}

// New returns a queue holding at most capacity pending jobs.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan string, capacity),
		waiters: make(map[string][]chan Outcome),
	}
}

// TryEnqueue admits a job id without blocking. Returns ErrFull at capacity.
func (q *Queue) TryEnqueue(id string) error {
	select {
	case q.ch <- id:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue blocks until a job id is available or the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Capacity returns the maximum number of pending jobs.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Subscribe registers interest in a job's terminal outcome. The returned
// channel receives exactly one Outcome and is then closed.
func (q *Queue) Subscribe(id string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	q.mu.Lock()
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription registered with Subscribe. Needed when
// the subscriber bails out before the job reaches a terminal status, e.g.
// admission was rejected; otherwise the waiter entry would never be reaped.
func (q *Queue) Unsubscribe(id string, ch <-chan Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(q.waiters, id)
		return
	}
	q.waiters[id] = chans
}

// Notify delivers the terminal outcome to all subscribers of the job. Safe to
// call when nobody subscribed.
func (q *Queue) Notify(outcome Outcome) {
	q.mu.Lock()
	chans := q.waiters[outcome.JobID]
	delete(q.waiters, outcome.JobID)
	q.mu.Unlock()

	for _, ch := range chans {
		ch <- outcome
		close(ch)
	}
}
