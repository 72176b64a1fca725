// internal/scanqueue/queue.go
package scanqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrNotProducing is returned when the queue is empty and nothing will be added,
// or when enqueueing into a stopped queue.
var ErrNotProducing = errors.New("scan queue is not producing")

// Stats is a snapshot of queue counters
type Stats struct {
	Length    int
	Enqueued  uint64
	Dequeued  uint64
	Producing bool
}

// Queue is an unbounded FIFO with a blocking, cancellable dequeue.
// Items are kept across Stop so consumers can drain the backlog.
type Queue[T any] struct {
	mu        sync.Mutex
	items     []T
	producing bool
	enqueued  uint64
	dequeued  uint64
	// closed and replaced whenever items or producing change
	signal chan struct{}
}

// New creates an empty queue that is not producing
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{})}
}

func (q *Queue[T]) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Start marks the queue as producing
func (q *Queue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.producing {
		return
	}
	q.producing = true
	q.notifyLocked()
}

// Stop marks the queue as no longer producing and wakes blocked consumers
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.producing {
		return
	}
	q.producing = false
	q.notifyLocked()
}

// Producing reports whether items may still be added
func (q *Queue[T]) Producing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.producing
}

// Enqueue appends an item. It fails when the queue is not producing.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.producing {
		return ErrNotProducing
	}
	q.items = append(q.items, item)
	q.enqueued++
	q.notifyLocked()
	return nil
}

// TryDequeue removes the oldest item without blocking
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.dequeued++
	return item, true
}

// Dequeue removes the oldest item, blocking until one is available.
// It returns ErrNotProducing when the queue is empty and stopped, and the
// context error when ctx ends first.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return item, nil
		}
		if !q.producing {
			q.mu.Unlock()
			return zero, ErrNotProducing
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued items
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Stats returns the current counters
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Length:    len(q.items),
		Enqueued:  q.enqueued,
		Dequeued:  q.dequeued,
		Producing: q.producing,
	}
}
