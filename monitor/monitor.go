// File: monitor/monitor.go
// Package monitor watches submitted commands for timeouts and escalates a
// stuck device from Normal through Halting to Halted.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The first breach of an episode logs one error line and halts the target.
// Overdue commands are forced to TimedOut at once; the rest get a drain
// window, after which they are forced as well. Halted is terminal.

package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/internal/logging"
	"github.com/momentics/hioload-xgq/protocol"
)

// State is the device health state.
type State int32

const (
	Normal State = iota
	Halting
	Halted
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Halting:
		return "halting"
	default:
		return "halted"
	}
}

// Expired describes one command forced to TimedOut.
type Expired struct {
	Queue  int
	CID    uint16
	Opcode protocol.Opcode
	Client string
	Age    time.Duration
}

// Target is the scheduler surface the monitor drives.
type Target interface {
	// OldestAge returns the age of the oldest submitted, unfinished command.
	OldestAge(now time.Time) (time.Duration, bool)
	// Halt stops admission and flushes commands not yet submitted.
	Halt(reason error)
	// Expire forces every submitted command older than maxAge to TimedOut.
	Expire(now time.Time, maxAge time.Duration) []Expired
	// Outstanding counts commands not yet in a terminal state.
	Outstanding() int
}

// Config holds monitor timing.
type Config struct {
	Timeout  time.Duration // age at which a submitted command is overdue
	Interval time.Duration // scan period of Run
	Drain    time.Duration // window for in-flight commands once halting
}

// DefaultConfig matches the health check cadence of the device driver.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, Interval: time.Second, Drain: 5 * time.Second}
}

// Monitor is the timeout state machine.
type Monitor struct {
	target Target
	log    *logrus.Entry

	mu        sync.Mutex
	cfg       Config
	state     State
	deadline  time.Time
	episodes  int
	timedOut  int
	observers []func(from, to State)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Monitor) { m.log = l }
}

// New creates a monitor in Normal state.
func New(target Target, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{target: target, cfg: cfg, log: logging.Discard()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnTransition registers fn to run after every state change.
func (m *Monitor) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// SetConfig replaces the timing used by later checks.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the current timing.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns episode and forced-timeout counters.
func (m *Monitor) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"state":     m.state.String(),
		"episodes":  m.episodes,
		"timed_out": m.timedOut,
	}
}

// Check performs one scan at now and returns the resulting state.
func (m *Monitor) Check(now time.Time) State {
	m.mu.Lock()
	var fired [][2]State
	switch m.state {
	case Normal:
		age, ok := m.target.OldestAge(now)
		if !ok || age <= m.cfg.Timeout {
			break
		}
		m.episodes++
		m.log.WithFields(logrus.Fields{
			"age":     age,
			"timeout": m.cfg.Timeout,
		}).Error("command timeout: device halting, hot reset required")
		m.target.Halt(api.ErrTimeout)
		m.expire(now, m.cfg.Timeout)
		m.deadline = now.Add(m.cfg.Drain)
		fired = append(fired, m.move(Halting))
		fired = append(fired, m.drain(now)...)
	case Halting:
		m.expire(now, m.cfg.Timeout)
		fired = append(fired, m.drain(now)...)
	}
	state := m.state
	observers := append([]func(from, to State){}, m.observers...)
	m.mu.Unlock()

	for _, tr := range fired {
		for _, fn := range observers {
			fn(tr[0], tr[1])
		}
	}
	return state
}

// drain finishes the episode when nothing is outstanding or the window has
// passed. Callers hold m.mu.
func (m *Monitor) drain(now time.Time) [][2]State {
	if m.target.Outstanding() == 0 {
		return [][2]State{m.move(Halted)}
	}
	if !now.Before(m.deadline) {
		m.expire(now, 0)
		m.log.WithField("outstanding", m.target.Outstanding()).Warn("drain window elapsed, forcing remaining commands")
		return [][2]State{m.move(Halted)}
	}
	return nil
}

func (m *Monitor) expire(now time.Time, maxAge time.Duration) {
	for _, e := range m.target.Expire(now, maxAge) {
		m.timedOut++
		m.log.WithFields(logrus.Fields{
			"queue":  e.Queue,
			"cid":    e.CID,
			"opcode": e.Opcode.String(),
			"client": e.Client,
			"age":    e.Age,
		}).Warn("command timed out")
	}
}

func (m *Monitor) move(to State) [2]State {
	from := m.state
	m.state = to
	if to == Halted {
		m.log.Error("device halted")
	}
	return [2]State{from, to}
}

// Run scans every Interval until ctx ends or the device is halted.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Config().Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tk.C:
			if m.Check(now) == Halted {
				return nil
			}
			if next := m.Config().Interval; next != interval && next > 0 {
				interval = next
				tk.Reset(interval)
			}
		}
	}
}
