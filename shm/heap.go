// File: shm/heap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import "unsafe"

// heapRegion lives in process memory. Both domains run in this process.
type heapRegion struct {
	byteRegion
	backing []uint64
}

// NewHeap allocates a zeroed region of size bytes rounded up to 8.
func NewHeap(size int) Region {
	words := (size + 7) / 8
	backing := make([]uint64, words)
	var buf []byte
	if words > 0 {
		buf = unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)
	}
	return &heapRegion{byteRegion: byteRegion{buf: buf}, backing: backing}
}

func (r *heapRegion) Close() error {
	r.buf = nil
	r.backing = nil
	return nil
}
