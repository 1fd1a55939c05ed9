// File: sched/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Requests executed by the worker on behalf of other goroutines: aborts and
// queue reconfiguration. The caller blocks until the worker has handled the
// request or its context ends.

package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/notify"
)

type event struct {
	run  func() error
	err  error
	done chan struct{}
}

// post hands fn to the worker and waits for its result.
func (s *Scheduler) post(ctx context.Context, fn func() error) error {
	ev := &event{run: fn, done: make(chan struct{})}
	s.eventsMu.Lock()
	s.events.Add(ev)
	s.eventsMu.Unlock()
	s.wake.Notify()
	select {
	case <-ev.done:
		return ev.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processEvents runs posted requests.
func (s *Scheduler) processEvents() bool {
	s.eventsMu.Lock()
	var evs []*event
	for s.events.Length() > 0 {
		evs = append(evs, s.events.Remove().(*event))
	}
	s.eventsMu.Unlock()
	for _, ev := range evs {
		ev.err = ev.run()
		close(ev.done)
	}
	return len(evs) > 0
}

// Abort cancels commands of c matching pred. Commands not yet submitted
// finish as Aborted at once; submitted ones are marked and finish as Aborted
// when their completion arrives. A nil pred matches everything. Abort returns
// the number of commands affected.
func (s *Scheduler) Abort(ctx context.Context, c *Client, pred func(*Command) bool) (int, error) {
	if pred == nil {
		pred = func(*Command) bool { return true }
	}
	n := 0
	err := s.post(ctx, func() error {
		c.splicePending()
		for _, cmd := range append(filter(c.ctrl, pred), filter(c.exec, pred)...) {
			s.drop(cmd, StateAborted, api.ErrAborted)
			n++
		}
		for _, hq := range s.queues {
			hq.slots.Each(func(_ uint16, cmd *Command) {
				if cmd.client == c && !cmd.State().Terminal() && pred(cmd) {
					cmd.abort.Store(true)
					n++
				}
			})
		}
		return nil
	})
	if err == nil && n > 0 {
		s.log.WithFields(logrus.Fields{"client": c.name, "count": n}).Info("commands aborted")
	}
	return n, err
}

// CloseClient aborts everything of c, waits until its counters balance and
// unregisters it.
func (s *Scheduler) CloseClient(ctx context.Context, c *Client) error {
	c.closed.Store(true)
	if _, err := s.Abort(ctx, c, nil); err != nil {
		return err
	}
	tk := time.NewTicker(time.Millisecond)
	defer tk.Stop()
	for !c.Drained() {
		select {
		case <-ctx.Done():
			sub, done, dropped := c.Counters()
			return fmt.Errorf("sched: client %s not drained (submitted %d, completed %d, dropped %d): %w",
				c.name, sub, done, dropped, ctx.Err())
		case <-tk.C:
		}
	}
	s.removeClient(c)
	return nil
}

// QueueConfig changes the submission slot size and the completion mode. The
// scheduler must be idle. A zero slotSize keeps the current size.
func (s *Scheduler) QueueConfig(ctx context.Context, slotSize int, polling bool) error {
	err := s.post(ctx, func() error {
		if slotSize == 0 || slotSize == s.queues[0].q.SlotSize() {
			return nil
		}
		if !s.idle() {
			return fmt.Errorf("sched: queue reconfiguration with commands in flight: %w", api.ErrBusy)
		}
		if s.reconfigure == nil {
			return api.Wrap(api.ErrCodeInvalidConfiguration, api.ErrInvalidConfig, "sched: slot size is fixed")
		}
		queues, err := s.reconfigure(slotSize)
		if err != nil {
			return err
		}
		if len(queues) != len(s.queues) {
			return api.NewError(api.ErrCodeInternal, "sched: reconfiguration changed queue count")
		}
		s.bindQueues(queues)
		return nil
	})
	if err != nil {
		return err
	}
	s.IntcConfig(!polling)
	return nil
}

// idle reports whether nothing is pending, runnable or submitted. Worker only.
func (s *Scheduler) idle() bool {
	for _, hq := range s.queues {
		if hq.slots.InUse() != 0 || hq.ctrlBusy {
			return false
		}
	}
	for _, c := range s.snapshotClients() {
		c.mu.Lock()
		n := c.pending.Length()
		c.mu.Unlock()
		if n+c.ctrl.Length()+c.exec.Length()+c.completed.Length() != 0 {
			return false
		}
	}
	return true
}

// MaxSlotNum returns the number of slots of the smallest queue.
func (s *Scheduler) MaxSlotNum() int { return int(s.maxSlots.Load()) }

// IntcConfig selects interrupt mode (true) or polling mode (false).
func (s *Scheduler) IntcConfig(enable bool) {
	s.modeMu.Lock()
	s.polling = !enable
	s.modeMu.Unlock()
	s.applyMode()
	s.log.WithField("interrupt", enable).Debug("completion mode changed")
}

// Polling reports whether completions are polled.
func (s *Scheduler) Polling() bool {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	return s.polling
}

// SetPollInterval changes the polling period.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.modeMu.Lock()
	s.pollInterval = d
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.modeMu.Unlock()
	s.applyMode()
}

func (s *Scheduler) applyMode() {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	s.irq.Enable(!s.polling)
	if s.polling && s.running && s.ticker == nil {
		s.ticker = notify.StartTicker(s.wake, s.pollInterval)
	}
	if (!s.polling || !s.running) && s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Scheduler) setRunning(on bool) {
	s.modeMu.Lock()
	s.running = on
	s.modeMu.Unlock()
	s.applyMode()
}
