package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push drops the
// oldest element. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	cap   int
}

// NewRingBuffer creates a ring buffer holding at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{cap: capacity}
}

// Push appends an item, evicting the oldest when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.items = append(r.items, item)
	if len(r.items) > r.cap {
		// Shift rather than reslice so the backing array cannot grow
		// without bound across many pushes.
		copy(r.items, r.items[1:])
		r.items = r.items[:r.cap]
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all elements, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	r.mu.RUnlock()
	return out
}

// Last returns a copy of the newest n elements, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]T, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := len(r.items)
	r.mu.RUnlock()
	return n
}
