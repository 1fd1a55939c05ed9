// File: internal/concurrency/lock_free_queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded ring with one consumer. Producers must be serialized by the caller.

package concurrency

import "sync/atomic"

// lockFreeQueue is a ring buffer for one producer at a time and one consumer.
type lockFreeQueue[T any] struct {
	mask    uint64
	entries []T
	head    atomic.Uint64
	tail    atomic.Uint64
}

// newLockFreeQueue creates a queue with capacity rounded up to a power of two.
func newLockFreeQueue[T any](capacity int) *lockFreeQueue[T] {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &lockFreeQueue[T]{mask: uint64(size - 1), entries: make([]T, size)}
}

// Enqueue adds val; returns false if full.
func (q *lockFreeQueue[T]) Enqueue(val T) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint64(len(q.entries)) {
		return false
	}
	q.entries[tail&q.mask] = val
	q.tail.Store(tail + 1)
	return true
}

// Dequeue removes and returns an item; ok false if empty.
func (q *lockFreeQueue[T]) Dequeue() (item T, ok bool) {
	head := q.head.Load()
	if head >= q.tail.Load() {
		return item, false
	}
	var zero T
	item = q.entries[head&q.mask]
	q.entries[head&q.mask] = zero
	q.head.Store(head + 1)
	return item, true
}

// Len returns the number of queued items.
func (q *lockFreeQueue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}
