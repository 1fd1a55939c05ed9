// File: shm/region.go
// Package shm provides shared memory regions for queue rings.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Region is a byte range visible to both execution domains. Word access is
// atomic and 4-byte aligned; bulk access is a plain copy and must be ordered
// by a later atomic word store. Words are stored in host byte order, which is
// little-endian on every supported platform.

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Region is a shared memory window.
type Region interface {
	// Size is the length of the region in bytes.
	Size() int
	// Load32 atomically reads the word at off.
	Load32(off int) uint32
	// Store32 atomically writes the word at off.
	Store32(off int, v uint32)
	// ReadAt copies len(p) bytes starting at off into p.
	ReadAt(p []byte, off int)
	// WriteAt copies p into the region starting at off.
	WriteAt(p []byte, off int)
	// Zero clears n bytes starting at off.
	Zero(off, n int)
	// Close unmaps or releases the region.
	Close() error
}

// byteRegion implements Region over an 8-byte aligned slice.
type byteRegion struct {
	buf []byte
}

func (r *byteRegion) Size() int { return len(r.buf) }

func (r *byteRegion) word(off int) *uint32 {
	if off&3 != 0 || off < 0 || off+4 > len(r.buf) {
		panic(fmt.Sprintf("shm: unaligned or out of range word offset %d", off))
	}
	return (*uint32)(unsafe.Pointer(&r.buf[off]))
}

func (r *byteRegion) Load32(off int) uint32 { return atomic.LoadUint32(r.word(off)) }

func (r *byteRegion) Store32(off int, v uint32) { atomic.StoreUint32(r.word(off), v) }

func (r *byteRegion) ReadAt(p []byte, off int) { copy(p, r.buf[off:off+len(p)]) }

func (r *byteRegion) WriteAt(p []byte, off int) { copy(r.buf[off:off+len(p)], p) }

func (r *byteRegion) Zero(off, n int) { clear(r.buf[off : off+n]) }
