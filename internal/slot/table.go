// File: internal/slot/table.go
// Package slot tracks ownership of ring slots.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Table hands out command ids. Each id has at most one owner between
// Acquire and Release; the id doubles as the cid carried on the wire.

package slot

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/momentics/hioload-xgq/api"
)

// Table is a fixed-size id allocator with an owner per id.
type Table[T any] struct {
	mu     sync.Mutex
	bits   *bitset.BitSet
	owners []T
}

// New creates a table of n ids.
func New[T any](n int) *Table[T] {
	return &Table[T]{bits: bitset.New(uint(n)), owners: make([]T, n)}
}

// Acquire assigns the lowest free id to owner.
func (t *Table[T]) Acquire(owner T) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.bits.NextClear(0)
	if !ok || int(i) >= len(t.owners) {
		return 0, false
	}
	t.bits.Set(i)
	t.owners[i] = owner
	return uint16(i), true
}

// Release frees id and returns its former owner.
func (t *Table[T]) Release(id uint16) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	if int(id) >= len(t.owners) || !t.bits.Test(uint(id)) {
		return zero, false
	}
	owner := t.owners[id]
	t.owners[id] = zero
	t.bits.Clear(uint(id))
	return owner, true
}

// InUse returns the number of held ids.
func (t *Table[T]) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.bits.Count())
}

// Cap returns the table size.
func (t *Table[T]) Cap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}

// Each calls fn for every held id in ascending order. fn must not call back
// into the table.
func (t *Table[T]) Each(fn func(id uint16, owner T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ok := t.bits.NextSet(0); ok && int(i) < len(t.owners); i, ok = t.bits.NextSet(i + 1) {
		fn(uint16(i), t.owners[i])
	}
}

// Resize changes the table size. Only an empty table can be resized.
func (t *Table[T]) Resize(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if held := t.bits.Count(); held != 0 {
		return fmt.Errorf("slot: resize with %d ids held: %w", held, api.ErrBusy)
	}
	t.bits = bitset.New(uint(n))
	t.owners = make([]T, n)
	return nil
}
