package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receive once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// State is the outcome of a non-blocking Poll.
type State int

const (
	// Ready means an item was returned.
	Ready State = iota
	// Empty means nothing is queued right now but more may arrive.
	Empty
	// Closed means the queue was closed and every queued item has been consumed.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Empty:
		return "empty"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Queue is an unbounded, thread-safe FIFO that doubles its capacity when it
// reaches 70% full. Either side may Close it: after Close, Send fails and
// receivers get the remaining items followed by Closed.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	ready chan struct{} // wake hint, capacity 1
	done  chan struct{} // closed by Close

	// Stats
	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// New creates a queue with the given initial capacity.
func New[T any](initialCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Send appends an item. Returns false if the queue is closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Poll removes the oldest item without blocking.
func (q *Queue[T]) Poll() (T, State) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		if q.closed {
			return zero, Closed
		}
		return zero, Empty
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++

	return item, Ready
}

// TryReceive attempts to receive without blocking.
// Returns the item and true if available, or zero value and false otherwise.
func (q *Queue[T]) TryReceive() (T, bool) {
	item, state := q.Poll()
	return item, state == Ready
}

// Receive blocks until an item is available, the queue is closed and
// drained (ErrClosed), or ctx is done. Intended for a single receiver.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	for {
		item, state := q.Poll()
		switch state {
		case Ready:
			return item, nil
		case Closed:
			return item, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close closes the queue. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// IsClosed reports whether Close has been called.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Ready returns a channel that receives a value after a Send. It is a hint:
// a receiver woken by it must still Poll.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Done returns a channel that is closed by Close.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Len returns the current number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current capacity of the ring.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		ResizeCount:   q.resizeCount,
		Closed:        q.closed,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
	Closed        bool
}

// grow doubles the capacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}

// DrainTo removes up to max items (all of them when max <= 0) in FIFO order.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.totalSent++
	}

	return result
}
