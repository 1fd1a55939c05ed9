// File: sched/scheduler.go
// Package sched moves commands from clients through the ring queues and
// matches completions back to their owners.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A single worker goroutine owns every list except Pending. Each cycle it
// handles posted events, splices Pending into Runnable, submits what the
// queues accept, consumes completions and runs callbacks. It sleeps on the
// wake channel only when a cycle made no progress.

package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/internal/logging"
	"github.com/momentics/hioload-xgq/internal/slot"
	"github.com/momentics/hioload-xgq/notify"
	"github.com/momentics/hioload-xgq/router"
	"github.com/momentics/hioload-xgq/xgq"
)

// ControlQueue is the index of the queue carrying non-execution commands.
const ControlQueue = 0

type cfgState int32

const (
	cfgNone cfgState = iota
	cfgInProgress
	cfgDone
)

// hwQueue is the host endpoint of one ring plus its submitted set.
type hwQueue struct {
	id       int
	q        *xgq.Queue
	slots    *slot.Table[*Command]
	ctrlBusy bool
}

// Reconfigurer rebuilds the rings with a new submission slot size and returns
// the re-attached host endpoints, control queue first.
type Reconfigurer func(slotSize int) ([]*xgq.Queue, error)

// Scheduler is the host side command pipeline.
type Scheduler struct {
	// queues is replaced only by the worker, under queuesMu; other
	// goroutines read it through hwQueues
	queuesMu sync.RWMutex
	queues   []*hwQueue
	router   *router.Router
	log      *logrus.Entry

	wake *notify.Channel
	irq  *notify.Line

	modeMu       sync.Mutex
	polling      bool
	running      bool
	pollInterval time.Duration
	ticker       *notify.Ticker

	clientsMu sync.RWMutex
	clients   []*Client
	nextID    int

	eventsMu sync.Mutex
	events   *queue.Queue

	forcedMu sync.Mutex
	forced   *queue.Queue

	cfg         atomic.Int32
	halted      atomic.Bool
	live        atomic.Int64
	maxSlots    atomic.Int64
	reconfigure Reconfigurer
	metrics     api.MetricsSink
	published   time.Time

	nSubmitted atomic.Uint64
	nCompleted atomic.Uint64
	nAborted   atomic.Uint64
	nTimedOut  atomic.Uint64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithPolling starts the scheduler in polling mode with the given period.
func WithPolling(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.polling = true
		s.pollInterval = interval
	}
}

// WithReconfigurer enables slot size changes through QueueConfig.
func WithReconfigurer(fn Reconfigurer) Option {
	return func(s *Scheduler) { s.reconfigure = fn }
}

// WithMetrics publishes counters to sink.
func WithMetrics(sink api.MetricsSink) Option {
	return func(s *Scheduler) { s.metrics = sink }
}

// New builds a scheduler over host queue endpoints. queues[ControlQueue]
// carries control, lifecycle and diagnostic commands; queue i+1 serves CU
// queue i of rt.
func New(queues []*xgq.Queue, rt *router.Router, opts ...Option) (*Scheduler, error) {
	if len(queues) < 2 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "sched: need a control queue and at least one CU queue")
	}
	if rt.Len() != len(queues)-1 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "sched: router size does not match CU queues").
			WithContext("router", rt.Len()).
			WithContext("queues", len(queues)-1)
	}
	s := &Scheduler{
		router:       rt,
		log:          logging.Discard(),
		wake:         notify.NewChannel(),
		events:       queue.New(),
		forced:       queue.New(),
		pollInterval: time.Millisecond,
	}
	s.irq = notify.NewLine(s.wake)
	for _, o := range opts {
		o(s)
	}
	s.bindQueues(queues)
	return s, nil
}

func (s *Scheduler) bindQueues(queues []*xgq.Queue) {
	old := s.hwQueues()
	hqs := make([]*hwQueue, len(queues))
	smallest := 0
	for i, q := range queues {
		// tables are empty when queues are reconfigured
		var slots *slot.Table[*Command]
		if i < len(old) && old[i].slots.Resize(q.SlotCount()) == nil {
			slots = old[i].slots
		} else {
			slots = slot.New[*Command](q.SlotCount())
		}
		hqs[i] = &hwQueue{id: i, q: q, slots: slots}
		if smallest == 0 || q.SlotCount() < smallest {
			smallest = q.SlotCount()
		}
	}
	s.queuesMu.Lock()
	s.queues = hqs
	s.queuesMu.Unlock()
	s.maxSlots.Store(int64(smallest))
}

func (s *Scheduler) hwQueues() []*hwQueue {
	s.queuesMu.RLock()
	defer s.queuesMu.RUnlock()
	return s.queues
}

// IRQ is the completion interrupt line. Peers raise it after publishing
// completions.
func (s *Scheduler) IRQ() *notify.Line { return s.irq }

// Router returns the unit router.
func (s *Scheduler) Router() *router.Router { return s.router }

// NewClient registers a client.
func (s *Scheduler) NewClient(name string) *Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.nextID++
	c := newClient(s.nextID, name)
	s.clients = append(s.clients, c)
	return c
}

func (s *Scheduler) snapshotClients() []*Client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return append([]*Client(nil), s.clients...)
}

func (s *Scheduler) removeClient(c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// Submit queues cmd on behalf of c. It never blocks on the device.
func (s *Scheduler) Submit(c *Client, cmd *Command) error {
	if cmd == nil || c == nil {
		return api.ErrInvalidArgument
	}
	if c.closed.Load() {
		return api.ErrClosed
	}
	if !cmd.claimed.CompareAndSwap(false, true) {
		return api.NewError(api.ErrCodeInvalidArgument, "sched: command submitted twice")
	}
	c.mu.Lock()
	if s.halted.Load() {
		c.mu.Unlock()
		cmd.claimed.Store(false)
		return api.ErrHalted
	}
	cmd.client = c
	cmd.done = make(chan struct{})
	cmd.state.Store(int32(StatePending))
	c.pending.Add(cmd)
	c.submitted.Add(1)
	s.live.Add(1)
	c.mu.Unlock()
	s.wake.Notify()
	return nil
}

// Start runs the worker in its own goroutine.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("scheduler worker exited")
		}
	}()
}

// Stop ends the worker started by Start and waits for it.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Run is the worker loop. It returns when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.cycle() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake.C():
		}
	}
}

// cycle runs every pipeline stage once and reports whether anything moved.
func (s *Scheduler) cycle() bool {
	progress := s.processEvents()
	if s.processRunnable() {
		progress = true
	}
	if s.processCQ() {
		progress = true
	}
	if s.processForced() {
		progress = true
	}
	if s.processCompleted() {
		progress = true
	}
	if progress {
		s.publishMetrics()
	}
	return progress
}

// Halted reports whether admission is closed.
func (s *Scheduler) Halted() bool { return s.halted.Load() }

// Configured reports whether a configuration session has completed.
func (s *Scheduler) Configured() bool { return cfgState(s.cfg.Load()) == cfgDone }
