// File: sched/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Client is a submitter with its own command lists.
//
// Pending is the only list touched outside the worker and is guarded by mu.
// Runnable and completed lists belong to the worker.
type Client struct {
	id   int
	name string

	mu      sync.Mutex
	pending *queue.Queue

	ctrl      *queue.Queue
	exec      *queue.Queue
	completed *queue.Queue

	submitted atomic.Uint64
	finished  atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool
}

func newClient(id int, name string) *Client {
	if name == "" {
		name = fmt.Sprintf("client-%d", id)
	}
	return &Client{
		id:        id,
		name:      name,
		pending:   queue.New(),
		ctrl:      queue.New(),
		exec:      queue.New(),
		completed: queue.New(),
	}
}

// ID returns the client id.
func (c *Client) ID() int { return c.id }

// Name returns the client label used in logs.
func (c *Client) Name() string { return c.name }

// Counters returns submitted, completed and dropped totals.
func (c *Client) Counters() (submitted, completed, dropped uint64) {
	// loads run opposite to increments: completed+dropped <= submitted
	dropped = c.dropped.Load()
	completed = c.finished.Load()
	submitted = c.submitted.Load()
	return submitted, completed, dropped
}

// Drained reports whether every submitted command has finished.
func (c *Client) Drained() bool {
	s, f, d := c.Counters()
	return s == f+d
}

// splicePending moves the pending list into the runnable lists.
func (c *Client) splicePending() int {
	c.mu.Lock()
	n := c.pending.Length()
	for c.pending.Length() > 0 {
		cmd := c.pending.Remove().(*Command)
		cmd.state.Store(int32(StateRunnable))
		if cmd.Opcode.Exclusive() {
			c.ctrl.Add(cmd)
		} else {
			c.exec.Add(cmd)
		}
	}
	c.mu.Unlock()
	return n
}

// filter removes commands matching pred from l and returns them.
func filter(l *queue.Queue, pred func(*Command) bool) []*Command {
	var out []*Command
	for n := l.Length(); n > 0; n-- {
		cmd := l.Remove().(*Command)
		if pred(cmd) {
			out = append(out, cmd)
		} else {
			l.Add(cmd)
		}
	}
	return out
}
