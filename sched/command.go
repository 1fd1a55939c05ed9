// File: sched/command.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
)

// State is the lifecycle position of a Command.
type State int32

const (
	StatePending State = iota
	StateRunnable
	StateSubmitted
	StateCompleted
	StateAborted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunnable:
		return "runnable"
	case StateSubmitted:
		return "submitted"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= StateCompleted }

// Command is one unit of work submitted by a client.
//
// The exported request fields must not change after Submit. Result accessors
// are valid once Done is closed.
type Command struct {
	Opcode  protocol.Opcode
	Payload []byte
	// Unit targets execution commands.
	Unit router.Unit
	// Response, when non-nil, receives the raw completion entry.
	Response []byte
	// Callback runs on the scheduler worker after the terminal transition.
	Callback func(*Command)

	client      *Client
	claimed     atomic.Bool
	state       atomic.Int32
	abort       atomic.Bool
	queue       int
	cid         uint16
	submittedAt time.Time
	// device means the terminal state came from the peer or the monitor
	device bool

	cstate   protocol.CState
	result   uint32
	reserved uint32
	rcode    int32
	err      error
	done     chan struct{}
}

// NewCommand builds a command with opcode and payload.
func NewCommand(op protocol.Opcode, payload []byte) *Command {
	return &Command{Opcode: op, Payload: payload}
}

// NewExec builds an execution command for unit.
func NewExec(unit router.Unit, args []byte) *Command {
	return &Command{Opcode: protocol.OpStartCU, Payload: args, Unit: unit}
}

// State returns the current lifecycle state.
func (c *Command) State() State { return State(c.state.Load()) }

// Done is closed after the callback has run.
func (c *Command) Done() <-chan struct{} { return c.done }

// Wait blocks until the command finishes and returns its error.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the command's failure, nil on success.
func (c *Command) Err() error { return c.err }

// Result is the first completion result word.
func (c *Command) Result() uint32 { return c.result }

// Reserved is the second completion result word.
func (c *Command) Reserved() uint32 { return c.reserved }

// Rcode is the device return code.
func (c *Command) Rcode() int32 { return c.rcode }

// CState is the completion state reported for the command.
func (c *Command) CState() protocol.CState { return c.cstate }

// CID is the command id used on the wire.
func (c *Command) CID() uint16 { return c.cid }

// Queue is the index of the queue the command was submitted on.
func (c *Command) Queue() int { return c.queue }

// Client returns the submitting client.
func (c *Command) Client() *Client { return c.client }

// finish moves the command to a terminal state once. The winner stores the
// outcome; readers observe it after Done is closed.
func (c *Command) finish(to State, cstate protocol.CState, result, reserved uint32, rcode int32, err error) bool {
	for {
		cur := State(c.state.Load())
		if cur.Terminal() {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(to)) {
			break
		}
	}
	c.cstate, c.result, c.reserved, c.rcode, c.err = cstate, result, reserved, rcode, err
	return true
}

// RcodeError is a non-zero device return code on an otherwise completed
// command.
type RcodeError struct {
	Opcode protocol.Opcode
	Rcode  int32
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("%s failed on device: rcode %d", e.Opcode, e.Rcode)
}

// outcome maps a completion entry to a terminal state and error.
func outcome(c *Command, e protocol.CQEntry) (State, error) {
	if c.abort.Load() {
		return StateAborted, api.ErrAborted
	}
	switch e.CState {
	case protocol.CStateCompleted:
		if e.Rcode != protocol.RcodeOK {
			return StateCompleted, &RcodeError{Opcode: c.Opcode, Rcode: e.Rcode}
		}
		return StateCompleted, nil
	case protocol.CStateAborted:
		return StateAborted, api.ErrAborted
	case protocol.CStateTimeout:
		return StateTimedOut, api.ErrTimeout
	case protocol.CStateConflictID:
		return StateCompleted, api.Wrap(api.ErrCodeProtocol, api.ErrConflictID, "sched: device reported conflicting cid").
			WithContext("cid", e.CID)
	case protocol.CStateInvalid:
		if e.Rcode == protocol.RcodeNotTTY {
			return StateCompleted, api.Wrap(api.ErrCodeProtocol, api.ErrUnknownOpcode, "sched: opcode rejected by device").
				WithContext("opcode", c.Opcode.String())
		}
		return StateCompleted, &RcodeError{Opcode: c.Opcode, Rcode: e.Rcode}
	default:
		return StateCompleted, api.NewError(api.ErrCodeProtocol, fmt.Sprintf("sched: unknown completion state %d", e.CState))
	}
}
