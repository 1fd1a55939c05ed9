// File: peer/server.go
// Package peer implements the executing side of the command rings.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Server owns the server endpoints of one control queue and N compute
// unit queues. Control commands are answered run-to-complete on the serving
// goroutine. Execution commands are copied out of their slot, handed to an
// Executor and completed out of order as kernels finish.

package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/internal/concurrency"
	"github.com/momentics/hioload-xgq/internal/logging"
	"github.com/momentics/hioload-xgq/notify"
	"github.com/momentics/hioload-xgq/pool"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
	"github.com/momentics/hioload-xgq/xgq"
)

// DefaultPollInterval bounds the time a masked or lost doorbell can delay
// service.
const DefaultPollInterval = time.Millisecond

// DefaultScratchSize is the size of the memory window used by QUERY_MEM and
// ACCESS_TEST.
const DefaultScratchSize = 4096

// endpoint is one served queue.
type endpoint struct {
	id int // CU queue index, -1 for the control queue
	q  *xgq.Queue

	mu       sync.Mutex // guards CQ production and inflight
	inflight map[uint16]struct{}
}

type unitInfo struct {
	name    string
	argSize uint32
	queue   int
}

// Server answers commands posted by a host scheduler.
type Server struct {
	ctrl *endpoint
	cus  []*endpoint

	router  *router.Router
	kernel  Kernel
	exec    *concurrency.Executor
	ownExec bool
	bufs    *pool.Payloads
	wake    *notify.Channel
	irq     api.Signaler
	log     *logrus.Entry
	poll    time.Duration
	echoOpt bool
	echo    atomic.Bool

	mu          sync.Mutex // configuration state
	configuring bool
	configured  bool
	units       map[router.Unit]unitInfo

	scratchMu sync.Mutex
	scratch   []byte
	skew      atomic.Int64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	loop    chan struct{}
	running atomic.Bool
	tasks   sync.WaitGroup

	nControl   atomic.Uint64
	nExecuted  atomic.Uint64
	nEchoed    atomic.Uint64
	nConflicts atomic.Uint64
	nInvalid   atomic.Uint64
	nDropped   atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Server) { s.log = l }
}

// WithKernel sets the kernel that runs execution commands.
func WithKernel(k Kernel) Option {
	return func(s *Server) { s.kernel = k }
}

// WithExecutor runs kernels on e. The server does not close it.
func WithExecutor(e *concurrency.Executor) Option {
	return func(s *Server) { s.exec = e }
}

// WithEcho completes every execution command at once without running it.
func WithEcho() Option {
	return func(s *Server) { s.echoOpt = true }
}

// WithIRQ sets the signal raised after completions are published.
func WithIRQ(irq api.Signaler) Option {
	return func(s *Server) { s.irq = irq }
}

// WithPollInterval sets the fallback poll period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithScratch sets the size of the diagnostic memory window.
func WithScratch(size int) Option {
	return func(s *Server) {
		if size >= 0 {
			s.scratch = make([]byte, size)
		}
	}
}

// New creates a server over the server endpoints of a control queue and the
// CU queues. rt must have one queue per CU queue.
func New(ctrl *xgq.Queue, cus []*xgq.Queue, rt *router.Router, opts ...Option) (*Server, error) {
	if err := checkQueues(ctrl, cus, rt); err != nil {
		return nil, err
	}
	s := &Server{
		router: rt,
		kernel: NopKernel,
		wake:   notify.NewChannel(),
		log:    logging.Discard(),
		poll:   DefaultPollInterval,
		units:  make(map[router.Unit]unitInfo),
	}
	s.scratch = make([]byte, DefaultScratchSize)
	for _, o := range opts {
		o(s)
	}
	if s.exec == nil {
		s.exec = concurrency.NewExecutor(0, concurrency.WithLogger(s.log))
		s.ownExec = true
	}
	s.echo.Store(s.echoOpt)
	s.bind(ctrl, cus)
	return s, nil
}

func checkQueues(ctrl *xgq.Queue, cus []*xgq.Queue, rt *router.Router) error {
	if ctrl == nil || len(cus) == 0 {
		return api.NewError(api.ErrCodeInvalidConfiguration, "peer: need a control queue and at least one CU queue")
	}
	if rt == nil || rt.Len() != len(cus) {
		return api.NewError(api.ErrCodeInvalidConfiguration, "peer: router size does not match CU queues")
	}
	for _, q := range append([]*xgq.Queue{ctrl}, cus...) {
		if q == nil || q.Role() != xgq.RoleServer {
			return api.NewError(api.ErrCodeInvalidConfiguration, "peer: queues must be server endpoints")
		}
	}
	return nil
}

func (s *Server) bind(ctrl *xgq.Queue, cus []*xgq.Queue) {
	s.ctrl = &endpoint{id: -1, q: ctrl}
	s.cus = make([]*endpoint, len(cus))
	for i, q := range cus {
		s.cus[i] = &endpoint{id: i, q: q, inflight: make(map[uint16]struct{})}
	}
	s.bufs = pool.NewPayloads(ctrl.SlotSize())
}

// Rebind replaces the served queues. The server must be stopped.
func (s *Server) Rebind(ctrl *xgq.Queue, cus []*xgq.Queue) error {
	if s.running.Load() {
		return api.ErrBusy
	}
	if err := checkQueues(ctrl, cus, s.router); err != nil {
		return err
	}
	s.bind(ctrl, cus)
	return nil
}

// Doorbell returns the signal a host raises after producing submissions.
func (s *Server) Doorbell() api.Signaler { return s.wake }

// SetIRQ replaces the completion signal. Call before Start.
func (s *Server) SetIRQ(irq api.Signaler) { s.irq = irq }

// Echo reports whether echo mode is active.
func (s *Server) Echo() bool { return s.echo.Load() }

// Now returns the device clock set by TIMESET.
func (s *Server) Now() time.Time { return time.Now().Add(time.Duration(s.skew.Load())) }

// Start runs the serving loop on a new goroutine.
func (s *Server) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return api.ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	loop := make(chan struct{})
	s.loop = loop
	go func() {
		defer close(loop)
		if err := s.Run(ctx); err != nil {
			s.log.WithError(err).Error("serving loop failed")
		}
	}()
	return nil
}

// Stop ends the serving loop and waits for running kernels.
func (s *Server) Stop() {
	s.runMu.Lock()
	cancel, loop := s.cancel, s.loop
	s.cancel, s.loop = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-loop
	s.tasks.Wait()
}

// Close stops the server and releases an executor it created.
func (s *Server) Close() error {
	s.Stop()
	if s.ownExec {
		s.exec.Close()
	}
	return nil
}

// Run serves until ctx ends. Only one Run may be active.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return api.ErrBusy
	}
	defer s.running.Store(false)
	s.log.WithFields(logrus.Fields{"cu_queues": len(s.cus), "echo": s.echo.Load()}).Info("peer serving")
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		progress := s.serveControl(ctx)
		for _, ep := range s.cus {
			if s.serveCU(ctx, ep) {
				progress = true
			}
		}
		if progress {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake.C():
		case <-ticker.C:
		}
	}
}

// take copies the head submission of ep into a pooled buffer and releases
// the slot.
func (s *Server) take(ep *endpoint) (protocol.SQHeader, *[]byte, bool) {
	slot, err := ep.q.Consume()
	if err != nil {
		return protocol.SQHeader{}, nil, false
	}
	bp := s.bufs.Get()
	hdr, payload := ep.q.ReadSQ(slot, *bp)
	*bp = payload
	if err := ep.q.NotifyConsumed(); err != nil {
		s.log.WithFields(logrus.Fields{"queue": ep.id}).WithError(err).Warn("notify consumed failed")
	}
	return hdr, bp, true
}

// post publishes one completion on ep, retrying while the completion ring is
// full. Callers hold ep.mu.
func (s *Server) post(ctx context.Context, ep *endpoint, e protocol.CQEntry) {
	for {
		slot, err := ep.q.Produce()
		if err == nil {
			ep.q.WriteCQ(slot, e)
			break
		}
		if ctx.Err() != nil {
			s.nDropped.Add(1)
			s.log.WithFields(logrus.Fields{"queue": ep.id, "cid": e.CID}).Warn("completion dropped on shutdown")
			return
		}
		time.Sleep(50 * time.Microsecond)
	}
	if err := ep.q.NotifyProduced(); err != nil {
		s.log.WithFields(logrus.Fields{"queue": ep.id}).WithError(err).Warn("notify produced failed")
	}
	if s.irq != nil {
		if err := s.irq.Signal(); err != nil {
			s.log.WithError(err).Debug("irq signal failed")
		}
	}
}

// Stats returns serving counters.
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"peer.control":   s.nControl.Load(),
		"peer.executed":  s.nExecuted.Load(),
		"peer.echoed":    s.nEchoed.Load(),
		"peer.conflicts": s.nConflicts.Load(),
		"peer.invalid":   s.nInvalid.Load(),
		"peer.dropped":   s.nDropped.Load(),
		"peer.buffers":   s.bufs.Stats(),
		"peer.executor":  s.exec.Stats(),
	}
}

func completed(result uint32) protocol.CQEntry {
	return protocol.CQEntry{CState: protocol.CStateCompleted, Result: result, Rcode: protocol.RcodeOK}
}

func failed(rcode int32) protocol.CQEntry {
	return protocol.CQEntry{CState: protocol.CStateCompleted, Rcode: rcode}
}

func invalid(rcode int32) protocol.CQEntry {
	return protocol.CQEntry{CState: protocol.CStateInvalid, Rcode: rcode}
}
