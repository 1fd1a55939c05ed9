// File: notify/channel.go
// Package notify carries wake-ups between execution domains and the
// scheduler worker.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Channel is a level of "something may have changed". Notify never blocks
// and never touches queue data, so it is safe from interrupt-style callers;
// repeated notifications before the waiter runs coalesce into one wake.

package notify

import (
	"context"
	"sync/atomic"
)

// Channel is a coalescing wake signal.
type Channel struct {
	c      chan struct{}
	raised atomic.Uint64
}

// NewChannel creates an unsignalled channel.
func NewChannel() *Channel {
	return &Channel{c: make(chan struct{}, 1)}
}

// Notify marks the channel signalled.
func (ch *Channel) Notify() {
	ch.raised.Add(1)
	select {
	case ch.c <- struct{}{}:
	default:
	}
}

// Signal implements api.Signaler for in-process doorbells.
func (ch *Channel) Signal() error {
	ch.Notify()
	return nil
}

// C returns the receive side. A receive consumes the pending signal.
func (ch *Channel) C() <-chan struct{} { return ch.c }

// Wait blocks until the channel is signalled or ctx ends.
func (ch *Channel) Wait(ctx context.Context) error {
	select {
	case <-ch.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether a signal is waiting, without consuming it.
func (ch *Channel) Pending() bool { return len(ch.c) > 0 }

// Raised returns the number of Notify calls so far.
func (ch *Channel) Raised() uint64 { return ch.raised.Load() }
