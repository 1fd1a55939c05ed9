// File: sched/pipeline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipeline stages run by the worker.

package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
)

// processRunnable splices Pending and submits runnable commands. It reports
// progress when anything was spliced, rejected or submitted.
func (s *Scheduler) processRunnable() bool {
	progress := false
	for _, c := range s.snapshotClients() {
		if c.splicePending() > 0 {
			progress = true
		}
		if s.halted.Load() {
			for _, l := range []*queue.Queue{c.ctrl, c.exec} {
				for l.Length() > 0 {
					s.drop(l.Remove().(*Command), StateAborted, api.ErrHalted)
					progress = true
				}
			}
			continue
		}
		if s.drainControl(c) {
			progress = true
		}
		if s.drainExec(c) {
			progress = true
		}
	}
	return progress
}

// drainControl submits the client's control list in order. A busy control
// slot or a full ring stops the list for this cycle.
func (s *Scheduler) drainControl(c *Client) bool {
	progress := false
	hq := s.queues[ControlQueue]
	for c.ctrl.Length() > 0 {
		if hq.ctrlBusy {
			return progress
		}
		cmd := c.ctrl.Peek().(*Command)
		if err := s.precheck(cmd, hq); err != nil {
			c.ctrl.Remove()
			s.drop(cmd, StateCompleted, err)
			progress = true
			continue
		}
		if err := s.submit(hq, cmd); err != nil {
			if errors.Is(err, api.ErrBusy) {
				return progress
			}
			c.ctrl.Remove()
			s.drop(cmd, StateCompleted, err)
			progress = true
			continue
		}
		c.ctrl.Remove()
		hq.ctrlBusy = true
		progress = true
	}
	return progress
}

// drainExec submits the client's execution list in order.
func (s *Scheduler) drainExec(c *Client) bool {
	progress := false
	for c.exec.Length() > 0 {
		cmd := c.exec.Peek().(*Command)
		qid, err := s.route(cmd)
		if err == nil {
			err = s.precheck(cmd, s.queues[qid])
		}
		if err != nil {
			c.exec.Remove()
			s.drop(cmd, StateCompleted, err)
			progress = true
			continue
		}
		if err := s.submit(s.queues[qid], cmd); err != nil {
			if errors.Is(err, api.ErrBusy) {
				return progress
			}
			c.exec.Remove()
			s.drop(cmd, StateCompleted, err)
			progress = true
			continue
		}
		c.exec.Remove()
		progress = true
	}
	return progress
}

// route maps an execution command to its host queue index.
func (s *Scheduler) route(cmd *Command) (int, error) {
	if cfgState(s.cfg.Load()) != cfgDone {
		return 0, api.Wrap(api.ErrCodeInvalidConfiguration, api.ErrNotConfigured, "sched: execution before configuration completed").
			WithContext("opcode", cmd.Opcode.String())
	}
	q, ok := s.router.Route(cmd.Unit)
	if !ok {
		return 0, api.Wrap(api.ErrCodeInvalidConfiguration, api.ErrNoQueue, "sched: unit has no queue").
			WithContext("unit", cmd.Unit.String())
	}
	return q + 1, nil
}

// precheck applies the opcode's admission rules.
func (s *Scheduler) precheck(cmd *Command, hq *hwQueue) error {
	limit := hq.q.SlotSize() - protocol.SQHeaderSize
	if limit > protocol.MaxPayload {
		limit = protocol.MaxPayload
	}
	if len(cmd.Payload) > limit {
		return api.NewError(api.ErrCodeInvalidArgument, "sched: payload exceeds slot").
			WithContext("payload", len(cmd.Payload)).
			WithContext("limit", limit)
	}
	state := cfgState(s.cfg.Load())
	switch cmd.Opcode {
	case protocol.OpCfgCU, protocol.OpUncfgCU, protocol.OpCfgEnd:
		if state != cfgInProgress {
			return api.Wrap(api.ErrCodeInvalidConfiguration, api.ErrNotConfigured, "sched: no configuration in progress").
				WithContext("opcode", cmd.Opcode.String())
		}
	case protocol.OpStartCU, protocol.OpStartCUKV:
		if cmd.Unit.Index > protocol.MaxCUIndex || uint8(cmd.Unit.Domain) > protocol.MaxCUDomain {
			return api.NewError(api.ErrCodeInvalidArgument, "sched: unit out of range").
				WithContext("unit", cmd.Unit.String())
		}
	}
	return nil
}

// submit writes cmd into hq. ErrBusy means the ring or the slot table is
// full; any other error rejects the command.
func (s *Scheduler) submit(hq *hwQueue, cmd *Command) error {
	cmd.queue = hq.id
	cmd.submittedAt = time.Now()
	cid, ok := hq.slots.Acquire(cmd)
	if !ok {
		return api.ErrBusy
	}
	sl, err := hq.q.Produce()
	if err != nil {
		hq.slots.Release(cid)
		return err
	}
	cmd.cid = cid
	hdr := protocol.SQHeader{
		Opcode:   cmd.Opcode,
		CID:      cid,
		CUIndex:  cmd.Unit.Index,
		CUDomain: uint8(cmd.Unit.Domain),
	}
	if err := hq.q.WriteSQ(sl, hdr, cmd.Payload); err != nil {
		hq.q.Retract()
		hq.slots.Release(cid)
		cmd.cid = 0
		return err
	}
	cmd.state.Store(int32(StateSubmitted))
	if err := hq.q.NotifyProduced(); err != nil {
		s.log.WithError(err).WithField("queue", hq.id).Warn("doorbell failed")
	}
	s.nSubmitted.Add(1)
	return nil
}

// processCQ consumes every available completion.
func (s *Scheduler) processCQ() bool {
	progress := false
	for _, hq := range s.queues {
		for {
			sl, err := hq.q.Consume()
			if err != nil {
				break
			}
			e := hq.q.ReadCQ(sl)
			if err := hq.q.NotifyConsumed(); err != nil {
				s.log.WithError(err).WithField("queue", hq.id).Warn("consume doorbell failed")
			}
			s.complete(hq, e)
			progress = true
		}
	}
	return progress
}

// complete matches a completion entry to its owner.
func (s *Scheduler) complete(hq *hwQueue, e protocol.CQEntry) {
	cmd, ok := hq.slots.Release(e.CID)
	if !ok {
		s.log.WithFields(logrus.Fields{"queue": hq.id, "cid": e.CID}).Warn("completion for unknown cid")
		return
	}
	if hq.id == ControlQueue && cmd.Opcode.Exclusive() {
		hq.ctrlBusy = false
	}
	if e.CState == protocol.CStateConflictID {
		s.log.WithFields(logrus.Fields{
			"queue":  hq.id,
			"cid":    e.CID,
			"opcode": cmd.Opcode.String(),
		}).Error("device reported cid already in flight")
	}
	if cmd.State().Terminal() {
		s.log.WithFields(logrus.Fields{"queue": hq.id, "cid": e.CID}).Debug("late completion released slot")
		return
	}
	state, err := outcome(cmd, e)
	if err == nil {
		err = s.applyControl(cmd)
	}
	if !cmd.finish(state, e.CState, e.Result, e.Reserved, e.Rcode, err) {
		return
	}
	cmd.device = true
	if cmd.Response != nil {
		var raw [protocol.CQEntrySize]byte
		e.Encode(raw[:])
		copy(cmd.Response, raw[:])
	}
	cmd.client.completed.Add(cmd)
}

// applyControl updates configuration state after a successful control
// command.
func (s *Scheduler) applyControl(cmd *Command) error {
	switch cmd.Opcode {
	case protocol.OpCfgStart:
		s.router.Reset()
		s.cfg.Store(int32(cfgInProgress))
	case protocol.OpCfgEnd:
		s.cfg.Store(int32(cfgDone))
	case protocol.OpCfgCU:
		var p protocol.CfgCU
		if err := p.UnmarshalBinary(cmd.Payload); err != nil {
			return fmt.Errorf("sched: CFG_CU payload: %w", err)
		}
		unit := router.Unit{Index: p.CUIndex, Domain: router.Domain(p.CUDomain)}
		if _, err := s.router.Assign(unit); err != nil {
			return err
		}
	case protocol.OpUncfgCU:
		var p protocol.UncfgCU
		if err := p.UnmarshalBinary(cmd.Payload); err != nil {
			return fmt.Errorf("sched: UNCFG_CU payload: %w", err)
		}
		unit := router.Unit{Index: p.CUIndex, Domain: router.Domain(p.CUDomain)}
		if _, _, err := s.router.Unassign(unit); err != nil && !errors.Is(err, api.ErrInvalidArgument) {
			return err
		}
	}
	return nil
}

// drop finishes a command that never reached the device.
func (s *Scheduler) drop(cmd *Command, to State, err error) {
	if cmd.finish(to, protocol.CStateNone, 0, 0, 0, err) {
		cmd.client.completed.Add(cmd)
	}
}

// force finishes a submitted command without a completion, keeping its slot
// until the device answers. Safe from any goroutine.
func (s *Scheduler) force(cmd *Command, to State, cstate protocol.CState, rcode int32, err error) bool {
	if !cmd.finish(to, cstate, 0, 0, rcode, err) {
		return false
	}
	cmd.device = true
	s.forcedMu.Lock()
	s.forced.Add(cmd)
	s.forcedMu.Unlock()
	s.wake.Notify()
	return true
}

// processForced hands commands finished outside the worker to their clients.
func (s *Scheduler) processForced() bool {
	s.forcedMu.Lock()
	var cmds []*Command
	for s.forced.Length() > 0 {
		cmds = append(cmds, s.forced.Remove().(*Command))
	}
	s.forcedMu.Unlock()
	for _, cmd := range cmds {
		cmd.client.completed.Add(cmd)
	}
	return len(cmds) > 0
}

// processCompleted runs callbacks and releases waiters.
func (s *Scheduler) processCompleted() bool {
	progress := false
	for _, c := range s.snapshotClients() {
		for c.completed.Length() > 0 {
			cmd := c.completed.Remove().(*Command)
			s.retire(cmd)
			progress = true
		}
	}
	return progress
}

func (s *Scheduler) retire(cmd *Command) {
	switch cmd.State() {
	case StateAborted:
		s.nAborted.Add(1)
	case StateTimedOut:
		s.nTimedOut.Add(1)
	default:
		s.nCompleted.Add(1)
	}
	if cmd.Callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("panic", r).Error("command callback panicked")
				}
			}()
			cmd.Callback(cmd)
		}()
	}
	if cmd.device {
		cmd.client.finished.Add(1)
	} else {
		cmd.client.dropped.Add(1)
	}
	s.live.Add(-1)
	close(cmd.done)
}
