// File: facade/device.go
// Unified facade for one accelerator device.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Device binds the components of both execution domains: shared memory
// regions holding one control ring and N compute unit rings, the host
// scheduler with its router and timeout monitor, the device-side peer
// server, the doorbells between them and the control surface. Its lifetime
// is the attach/detach lifetime of the rings.

package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/adapters"
	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/control"
	"github.com/momentics/hioload-xgq/internal/concurrency"
	"github.com/momentics/hioload-xgq/internal/logging"
	"github.com/momentics/hioload-xgq/monitor"
	"github.com/momentics/hioload-xgq/notify"
	"github.com/momentics/hioload-xgq/peer"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/router"
	"github.com/momentics/hioload-xgq/sched"
	"github.com/momentics/hioload-xgq/shm"
	"github.com/momentics/hioload-xgq/xgq"
)

// Option customizes Device construction.
type Option func(*options)

type options struct {
	kernel peer.Kernel
	logger *logrus.Logger
}

// WithKernel sets the kernel run by the device for execution commands.
func WithKernel(k peer.Kernel) Option {
	return func(o *options) { o.kernel = k }
}

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Device is the main facade type.
// It implements api.GracefulShutdown.
type Device struct {
	cfg *Config
	log *logrus.Entry

	regions []shm.Region
	servers []*xgq.Queue // server endpoints, index 0 is the control queue

	hostsMu sync.RWMutex
	hosts   []*xgq.Queue // client endpoints

	hostRouter *router.Router
	devRouter  *router.Router
	sched      *sched.Scheduler
	peer       *peer.Server
	exec       *concurrency.Executor
	monitor    *monitor.Monitor
	control    *adapters.ControlAdapter

	toPeer     *notify.Eventfd
	toHost     *notify.Eventfd
	listener   *notify.Listener
	listenOnce sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ api.GracefulShutdown = (*Device)(nil)

// New allocates the rings, attaches both sides and wires every component.
// Nothing runs until Start.
func New(cfg *Config, opts ...Option) (d *Device, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(cfg.LogLevel)
	}
	d = &Device{cfg: cfg, log: logging.Component(o.logger, "device")}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	n := cfg.NumCUQueues + 1
	if err := d.allocRegions(n); err != nil {
		return nil, err
	}
	if cfg.Eventfd {
		if err := d.openDoorbells(); err != nil {
			return nil, err
		}
	}
	for _, r := range d.regions {
		srv, err := xgq.Alloc(r, xgq.RoleServer, cfg.SlotSize, cfg.SlotCount, xgq.WithProduceDoorbell(d.hostBell()))
		if err != nil {
			return nil, err
		}
		d.servers = append(d.servers, srv)
	}
	hosts, err := d.attachHosts()
	if err != nil {
		return nil, err
	}
	d.hosts = hosts

	d.control = adapters.NewControlAdapter(cfg.reloadDefaults(), validateReload)

	d.hostRouter = router.New(cfg.NumCUQueues, router.WithLogger(logging.Component(o.logger, "router")))
	schedOpts := []sched.Option{
		sched.WithLogger(logging.Component(o.logger, "sched")),
		sched.WithReconfigurer(d.reconfigure),
		sched.WithMetrics(d.control),
	}
	if cfg.Polling {
		schedOpts = append(schedOpts, sched.WithPolling(cfg.PollInterval))
	}
	d.sched, err = sched.New(hosts, d.hostRouter, schedOpts...)
	if err != nil {
		return nil, err
	}

	var cpus []int
	if cfg.CPUAffinity {
		cpus = concurrency.OnlineCPUs()
	}
	d.exec = concurrency.NewExecutor(cfg.Workers,
		concurrency.WithLogger(logging.Component(o.logger, "executor")),
		concurrency.WithCPUs(cpus...))
	d.devRouter = router.New(cfg.NumCUQueues)
	peerOpts := []peer.Option{
		peer.WithLogger(logging.Component(o.logger, "peer")),
		peer.WithExecutor(d.exec),
		peer.WithPollInterval(cfg.PollInterval),
	}
	if o.kernel != nil {
		peerOpts = append(peerOpts, peer.WithKernel(o.kernel))
	}
	if cfg.Echo {
		peerOpts = append(peerOpts, peer.WithEcho())
	}
	d.peer, err = peer.New(d.servers[0], d.servers[1:], d.devRouter, peerOpts...)
	if err != nil {
		return nil, err
	}

	d.monitor = monitor.New(d.sched, monitor.Config{
		Timeout:  cfg.CmdTimeout,
		Interval: cfg.MonitorInterval,
		Drain:    cfg.DrainTimeout,
	}, monitor.WithLogger(logging.Component(o.logger, "monitor")))
	d.monitor.OnTransition(func(from, to monitor.State) {
		d.control.SetMetric("monitor.state", to.String())
		d.control.Metrics().Add("monitor.transitions", 1)
	})
	d.control.SetMetric("monitor.state", monitor.Normal.String())

	if d.listener != nil {
		if err := d.listener.Watch(d.toPeer, d.peer.Doorbell()); err != nil {
			return nil, err
		}
		if err := d.listener.Watch(d.toHost, d.sched.IRQ()); err != nil {
			return nil, err
		}
	}

	d.control.OnChange(d.applyReload)
	d.registerProbes()
	return d, nil
}

func (d *Device) allocRegions(n int) error {
	for i := 0; i < n; i++ {
		var r shm.Region
		if d.cfg.SharedMemory {
			s, err := shm.NewShared(fmt.Sprintf("xgq-%d", i), d.cfg.RegionSize)
			if err != nil {
				return err
			}
			r = s
		} else {
			r = shm.NewHeap(d.cfg.RegionSize)
		}
		d.regions = append(d.regions, r)
	}
	return nil
}

func (d *Device) openDoorbells() error {
	var err error
	if d.toPeer, err = notify.NewEventfd(); err != nil {
		return err
	}
	if d.toHost, err = notify.NewEventfd(); err != nil {
		return err
	}
	d.listener, err = notify.NewListener()
	return err
}

// hostBell is rung by the device after publishing completions.
func (d *Device) hostBell() api.Signaler {
	if d.toHost != nil {
		return d.toHost
	}
	return notify.SignalFunc(func() error { return d.sched.IRQ().Signal() })
}

// peerBell is rung by the host after publishing submissions.
func (d *Device) peerBell() api.Signaler {
	if d.toPeer != nil {
		return d.toPeer
	}
	return notify.SignalFunc(func() error { return d.peer.Doorbell().Signal() })
}

func (d *Device) attachHosts() ([]*xgq.Queue, error) {
	hosts := make([]*xgq.Queue, len(d.regions))
	for i, r := range d.regions {
		h, err := xgq.Attach(r, xgq.RoleClient, xgq.WithProduceDoorbell(d.peerBell()))
		if err != nil {
			return nil, err
		}
		hosts[i] = h
	}
	return hosts, nil
}

// reconfigure re-lays-out every ring with a new slot size. It runs on the
// scheduler worker while the scheduler is idle.
func (d *Device) reconfigure(slotSize int) ([]*xgq.Queue, error) {
	for _, r := range d.regions {
		if _, err := xgq.Configure(r.Size(), slotSize, 0); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	running := d.started
	d.mu.Unlock()
	if running {
		d.peer.Stop()
		defer func() {
			if err := d.peer.Start(); err != nil {
				d.log.WithError(err).Error("peer restart failed")
			}
		}()
	}
	for _, srv := range d.servers {
		if err := srv.Configure(slotSize, 0); err != nil {
			return nil, err
		}
	}
	hosts, err := d.attachHosts()
	if err != nil {
		return nil, err
	}
	if err := d.peer.Rebind(d.servers[0], d.servers[1:]); err != nil {
		return nil, err
	}
	d.hostsMu.Lock()
	d.hosts = hosts
	d.hostsMu.Unlock()
	d.log.WithFields(logrus.Fields{"slot_size": slotSize, "slots": hosts[0].SlotCount()}).Info("rings reconfigured")
	return hosts, nil
}

func (d *Device) registerProbes() {
	d.control.RegisterDebugProbe("sched.snapshot", func() any { return d.sched.Snapshot() })
	d.control.RegisterDebugProbe("router.assignments", func() any { return d.hostRouter.Assignments() })
	d.control.RegisterDebugProbe("monitor.stats", func() any { return d.monitor.Stats() })
	d.control.RegisterDebugProbe("peer.stats", func() any { return d.peer.Stats() })
	d.control.RegisterDebugProbe("rings", func() any {
		d.hostsMu.RLock()
		defer d.hostsMu.RUnlock()
		out := make([]map[string]uint32, len(d.hosts))
		for i, h := range d.hosts {
			out[i] = h.Stats()
		}
		return out
	})
}

// applyReload pushes changed runtime keys into the components.
func (d *Device) applyReload(changed map[string]any) {
	mcfg := d.monitor.Config()
	touched := false
	for k, v := range changed {
		switch k {
		case KeyPolling:
			b, _ := control.AsBool(v)
			d.sched.IntcConfig(!b)
		case KeyIntc:
			b, _ := control.AsBool(v)
			d.sched.IntcConfig(b)
		case KeyPollInterval:
			dur, _ := control.AsDuration(v)
			d.sched.SetPollInterval(dur)
		case KeyMonitorTimeout:
			mcfg.Timeout, _ = control.AsDuration(v)
			touched = true
		case KeyMonitorInterval:
			mcfg.Interval, _ = control.AsDuration(v)
			touched = true
		case KeyMonitorDrain:
			mcfg.Drain, _ = control.AsDuration(v)
			touched = true
		default:
			continue
		}
		d.log.WithFields(logrus.Fields{"key": k, "value": v}).Info("configuration reloaded")
	}
	if touched {
		d.monitor.SetConfig(mcfg)
	}
}

// Start runs the device side, the scheduler worker and the health monitor.
// Subsequent calls have no effect.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return api.ErrClosed
	}
	if d.started {
		return nil
	}
	if d.listener != nil {
		d.listenOnce.Do(func() {
			go func() {
				if err := d.listener.Run(context.Background()); err != nil {
					d.log.WithError(err).Error("doorbell listener stopped")
				}
			}()
		})
	}
	if err := d.peer.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.sched.Start()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).Error("monitor stopped")
		}
	}()
	d.cancel = cancel
	d.started = true
	d.log.WithFields(logrus.Fields{
		"cu_queues": d.cfg.NumCUQueues,
		"slots":     d.MaxSlotNum(),
		"slot_size": d.servers[0].SlotSize(),
		"eventfd":   d.listener != nil,
	}).Info("device started")
	return nil
}

// Stop halts every goroutine the device runs. Rings stay attached and the
// device may be started again.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.sched.Stop()
	d.peer.Stop()
	d.wg.Wait()
	return nil
}

// Close stops the device and detaches the rings.
func (d *Device) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.release()
}

// Shutdown implements api.GracefulShutdown by delegating to Close().
func (d *Device) Shutdown() error {
	return d.Close()
}

func (d *Device) release() error {
	var errs []error
	if d.peer != nil {
		errs = append(errs, d.peer.Close())
	}
	if d.exec != nil {
		d.exec.Close()
	}
	if d.listener != nil {
		errs = append(errs, d.listener.Close())
	}
	for _, e := range []*notify.Eventfd{d.toPeer, d.toHost} {
		if e != nil {
			errs = append(errs, e.Close())
		}
	}
	for _, r := range d.regions {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// NewClient registers a command submitter.
func (d *Device) NewClient(name string) *sched.Client { return d.sched.NewClient(name) }

// CloseClient waits for c to drain and unregisters it.
func (d *Device) CloseClient(ctx context.Context, c *sched.Client) error {
	return d.sched.CloseClient(ctx, c)
}

// Submit queues cmd for c. It never blocks.
func (d *Device) Submit(c *sched.Client, cmd *sched.Command) error {
	return d.sched.Submit(c, cmd)
}

// Do submits cmd and waits for it to finish, returning its error.
func (d *Device) Do(ctx context.Context, c *sched.Client, cmd *sched.Command) error {
	if err := d.sched.Submit(c, cmd); err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		return err
	}
	return cmd.Err()
}

// CU describes one compute unit for Configure.
type CU struct {
	Unit    router.Unit
	Name    string
	ArgSize uint32
}

// Configure runs a full configuration session for units through c.
func (d *Device) Configure(ctx context.Context, c *sched.Client, units []CU) error {
	start, _ := protocol.CfgStart{NumCUs: uint32(len(units))}.MarshalBinary()
	if err := d.Do(ctx, c, sched.NewCommand(protocol.OpCfgStart, start)); err != nil {
		return fmt.Errorf("facade: CFG_START: %w", err)
	}
	for _, u := range units {
		payload, err := protocol.CfgCU{
			CUIndex:  u.Unit.Index,
			CUDomain: uint8(u.Unit.Domain),
			ArgSize:  u.ArgSize,
			Name:     u.Name,
		}.MarshalBinary()
		if err != nil {
			return err
		}
		if err := d.Do(ctx, c, sched.NewCommand(protocol.OpCfgCU, payload)); err != nil {
			return fmt.Errorf("facade: CFG_CU %s: %w", u.Unit, err)
		}
	}
	if err := d.Do(ctx, c, sched.NewCommand(protocol.OpCfgEnd, nil)); err != nil {
		return fmt.Errorf("facade: CFG_END: %w", err)
	}
	return nil
}

// QueueConfig changes the slot size of every ring and the completion mode.
// The device must be idle. A zero slotSize keeps the current size.
func (d *Device) QueueConfig(ctx context.Context, slotSize int, polling bool) error {
	if err := d.sched.QueueConfig(ctx, slotSize, polling); err != nil {
		return err
	}
	return d.control.SetConfig(map[string]any{KeyPolling: polling, KeyIntc: !polling})
}

// MaxSlotNum returns the number of slots of the smallest ring.
func (d *Device) MaxSlotNum() int { return d.sched.MaxSlotNum() }

// Abort cancels c's commands matching pred. A nil pred matches all.
func (d *Device) Abort(ctx context.Context, c *sched.Client, pred func(*sched.Command) bool) (int, error) {
	return d.sched.Abort(ctx, c, pred)
}

// IntcConfig selects interrupt (true) or polling (false) completion mode.
func (d *Device) IntcConfig(enable bool) error {
	return d.control.SetConfig(map[string]any{KeyIntc: enable, KeyPolling: !enable})
}

// State returns the health state.
func (d *Device) State() monitor.State { return d.monitor.State() }

// Configured reports whether the host saw a completed configuration session.
func (d *Device) Configured() bool { return d.sched.Configured() }

// Control returns the runtime configuration and metrics surface.
func (d *Device) Control() api.Control { return d.control }

// Debug returns the probe registry.
func (d *Device) Debug() api.Debug { return d.control }

// Router returns the host routing table.
func (d *Device) Router() *router.Router { return d.hostRouter }

// Stats returns scheduler, monitor and device-side counters.
func (d *Device) Stats() map[string]any {
	out := d.sched.Stats()
	for k, v := range d.monitor.Stats() {
		out["monitor."+k] = v
	}
	for k, v := range d.peer.Stats() {
		out[k] = v
	}
	return out
}
