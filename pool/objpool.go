// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import (
	"sync"
	"sync/atomic"
)

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool *sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
	news atomic.Uint64
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool = &sync.Pool{New: func() any {
		sp.news.Add(1)
		return creator()
	}}
	return sp
}

func (sp *SyncPool[T]) Get() T {
	sp.gets.Add(1)
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	sp.puts.Add(1)
	sp.pool.Put(obj)
}

// Stats returns get, put and allocation counters.
func (sp *SyncPool[T]) Stats() map[string]uint64 {
	return map[string]uint64{
		"gets":   sp.gets.Load(),
		"puts":   sp.puts.Load(),
		"allocs": sp.news.Load(),
	}
}

var _ ObjectPool[*[]byte] = (*SyncPool[*[]byte])(nil)

// Payloads hands out byte slices of at least Size capacity.
type Payloads struct {
	*SyncPool[*[]byte]
	size int
}

// NewPayloads creates a pool of size-byte buffers.
func NewPayloads(size int) *Payloads {
	return &Payloads{
		SyncPool: NewSyncPool(func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		}),
		size: size,
	}
}

// Size returns the capacity new buffers are created with.
func (p *Payloads) Size() int { return p.size }

// Put truncates *b and returns it. Buffers grown past twice the pool size
// are dropped.
func (p *Payloads) Put(b *[]byte) {
	if b == nil || cap(*b) > 2*p.size {
		return
	}
	*b = (*b)[:0]
	p.SyncPool.Put(b)
}
