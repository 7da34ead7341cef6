// Package queue provides an unbounded, many-producer/one-consumer FIFO used
// wherever a producer must never be blocked by a slow or stalled consumer:
// connection handoff, pool registry messages, CPU samples and worker events.
package queue

import (
	"context"
	"errors"
	"sync"
)

const (
	defaultCap          = 16
	compactMinCap       = 64 // Don't compact below this capacity
	compactShrinkFactor = 4  // Compact when len < cap/4
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("queue closed")

// Unbounded is a FIFO whose Send never blocks. A nil *Unbounded behaves as a
// queue that never delivers, which lets optional endpoints stay nil.
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// New creates an empty queue.
func New[T any]() *Unbounded[T] {
	return &Unbounded[T]{
		items: make([]T, 0, defaultCap),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Send appends v. It fails only when the queue has been closed.
func (q *Unbounded[T]) Send(v T) error {
	if q == nil {
		return ErrClosed
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return nil
}

// TryRecv pops the oldest item without waiting.
func (q *Unbounded[T]) TryRecv() (T, bool) {
	var zero T
	if q == nil {
		return zero, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompactLocked()
	return v, true
}

// Recv waits for the next item. It returns false once the queue is closed
// and drained, or when ctx is done.
func (q *Unbounded[T]) Recv(ctx context.Context) (T, bool) {
	var zero T
	if q == nil {
		<-ctx.Done()
		return zero, false
	}
	for {
		if v, ok := q.TryRecv(); ok {
			return v, true
		}
		if q.Closed() {
			// Items may have landed between TryRecv and Closed.
			return q.TryRecv()
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Ready fires when items may be available or the queue was closed. Spurious
// wakeups are possible; callers drain with TryRecv.
func (q *Unbounded[T]) Ready() <-chan struct{} {
	if q == nil {
		return nil
	}
	return q.ready
}

// Done is closed when the queue is closed.
func (q *Unbounded[T]) Done() <-chan struct{} {
	if q == nil {
		return nil
	}
	return q.done
}

// Close stops further sends. Items already queued stay receivable.
// Closing twice is a no-op.
func (q *Unbounded[T]) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	q.wake()
}

// Closed reports whether Close has been called.
func (q *Unbounded[T]) Closed() bool {
	if q == nil {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Unbounded[T]) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Unbounded[T]) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Unbounded[T]) maybeCompactLocked() {
	c := cap(q.items)
	if c < compactMinCap || len(q.items) >= c/compactShrinkFactor {
		return
	}
	items := make([]T, len(q.items), max(defaultCap, len(q.items)*2))
	copy(items, q.items)
	q.items = items
}
