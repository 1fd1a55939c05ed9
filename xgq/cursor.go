// File: xgq/cursor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cursor transports. A plain memory cursor relies on the peer polling; a
// doorbell cursor also raises the peer's notification line after the store.

package xgq

import (
	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/shm"
)

// Cursor is one published ring position.
type Cursor interface {
	// Load reads the position as last published.
	Load() uint32
	// Publish stores v with release ordering and notifies the peer if the
	// transport has a doorbell.
	Publish(v uint32) error
}

// MemCursor is a cursor word in shared memory.
type MemCursor struct {
	region shm.Region
	off    int
}

// NewMemCursor binds a cursor to the word at off.
func NewMemCursor(region shm.Region, off int) *MemCursor {
	return &MemCursor{region: region, off: off}
}

func (c *MemCursor) Load() uint32 { return c.region.Load32(c.off) }

func (c *MemCursor) Publish(v uint32) error {
	c.region.Store32(c.off, v)
	return nil
}

// DoorbellCursor signals after publishing.
type DoorbellCursor struct {
	Cursor
	bell api.Signaler
}

// NewDoorbellCursor wraps c so every publish rings bell.
func NewDoorbellCursor(c Cursor, bell api.Signaler) *DoorbellCursor {
	return &DoorbellCursor{Cursor: c, bell: bell}
}

func (c *DoorbellCursor) Publish(v uint32) error {
	if err := c.Cursor.Publish(v); err != nil {
		return err
	}
	return c.bell.Signal()
}
