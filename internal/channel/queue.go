// Package channel provides the bounded queues used for supervisor
// backpressure. This package is internal and should not be imported by
// external projects.
package channel

import (
	"context"
	"sync/atomic"
)

// numPriorities matches the envelope priority ordinals (low..critical).
const numPriorities = 4

// PriorityQueue is a bounded multi-priority queue. TryPush never blocks:
// when the priority band is full it returns false and the caller rejects
// the message instead of queueing unboundedly.
type PriorityQueue[T any] struct {
	bands [numPriorities]chan T
	// notify wakes a single Pop waiter per push without busy-polling.
	notify chan struct{}
	depth  atomic.Int64
}

// NewPriorityQueue creates a queue with the given per-band capacity.
func NewPriorityQueue[T any](bandCapacity int) *PriorityQueue[T] {
	if bandCapacity <= 0 {
		bandCapacity = 1
	}
	q := &PriorityQueue[T]{
		notify: make(chan struct{}, numPriorities*bandCapacity),
	}
	for i := range q.bands {
		q.bands[i] = make(chan T, bandCapacity)
	}
	return q
}

// TryPush enqueues v at the given priority (clamped to the valid range).
// Returns false when the band is full.
func (q *PriorityQueue[T]) TryPush(priority int, v T) bool {
	if priority < 0 {
		priority = 0
	}
	if priority >= numPriorities {
		priority = numPriorities - 1
	}
	select {
	case q.bands[priority] <- v:
		q.depth.Add(1)
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return true
	default:
		return false
	}
}

// Pop dequeues the highest-priority item, blocking until one is available
// or ctx is done.
func (q *PriorityQueue[T]) Pop(ctx context.Context) (T, error) {
	for {
		// Drain highest priority first.
		for p := numPriorities - 1; p >= 0; p-- {
			select {
			case v := <-q.bands[p]:
				q.depth.Add(-1)
				return v, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Depth returns the number of queued items.
func (q *PriorityQueue[T]) Depth() int { return int(q.depth.Load()) }
