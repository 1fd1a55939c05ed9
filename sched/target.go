// File: sched/target.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timeout monitor hooks. These run on the monitor goroutine.

package sched

import (
	"time"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/monitor"
	"github.com/momentics/hioload-xgq/protocol"
)

var _ monitor.Target = (*Scheduler)(nil)

// OldestAge returns the age of the oldest submitted, unfinished command.
func (s *Scheduler) OldestAge(now time.Time) (time.Duration, bool) {
	var oldest time.Duration
	found := false
	for _, hq := range s.hwQueues() {
		hq.slots.Each(func(_ uint16, cmd *Command) {
			if cmd.State().Terminal() {
				return
			}
			if age := now.Sub(cmd.submittedAt); !found || age > oldest {
				oldest, found = age, true
			}
		})
	}
	return oldest, found
}

// Halt closes admission. Commands not yet submitted are aborted with
// ErrHalted by the worker.
func (s *Scheduler) Halt(reason error) {
	if s.halted.Swap(true) {
		return
	}
	s.log.WithError(reason).Error("scheduler halted, rejecting new commands")
	s.wake.Notify()
}

// Expire forces submitted commands at least maxAge old to TimedOut. Their
// slots stay held until the device answers.
func (s *Scheduler) Expire(now time.Time, maxAge time.Duration) []monitor.Expired {
	var (
		cmds []*Command
		out  []monitor.Expired
	)
	for _, hq := range s.hwQueues() {
		hq.slots.Each(func(cid uint16, cmd *Command) {
			if cmd.State().Terminal() {
				return
			}
			if age := now.Sub(cmd.submittedAt); age >= maxAge {
				cmds = append(cmds, cmd)
				out = append(out, monitor.Expired{
					Queue:  hq.id,
					CID:    cid,
					Opcode: cmd.Opcode,
					Client: cmd.client.name,
					Age:    age,
				})
			}
		})
	}
	kept := out[:0]
	for i, cmd := range cmds {
		if s.force(cmd, StateTimedOut, protocol.CStateTimeout, protocol.RcodeTime, api.ErrTimeout) {
			kept = append(kept, out[i])
		}
	}
	return kept
}

// Outstanding counts commands that have not finished their callback.
func (s *Scheduler) Outstanding() int { return int(s.live.Load()) }
