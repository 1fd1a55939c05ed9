// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across worker goroutines. Each worker drains its
// own queue and sleeps on a wake channel when the queue is empty.

package concurrency

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/internal/logging"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("concurrency: executor closed")

// DefaultQueueDepth is the per-worker queue capacity.
const DefaultQueueDepth = 1024

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// Executor manages a fixed pool of worker goroutines.
type Executor struct {
	workers []*worker
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	submitMu sync.Mutex // serializes producers of the worker queues
	next     int

	log  *logrus.Entry
	cpus []int

	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	panics         atomic.Int64
	rejected       atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	log   *logrus.Entry
	cpus  []int
	depth int
}

// WithLogger sets the executor logger.
func WithLogger(l *logrus.Entry) ExecutorOption {
	return func(c *executorConfig) { c.log = l }
}

// WithCPUs pins worker i to cpus[i%len(cpus)].
func WithCPUs(cpus ...int) ExecutorOption {
	return func(c *executorConfig) { c.cpus = append([]int(nil), cpus...) }
}

// WithQueueDepth sets the per-worker queue capacity.
func WithQueueDepth(n int) ExecutorOption {
	return func(c *executorConfig) {
		if n > 0 {
			c.depth = n
		}
	}
}

// NewExecutor starts numWorkers workers. If numWorkers <= 0, defaults to
// runtime.NumCPU().
func NewExecutor(numWorkers int, opts ...ExecutorOption) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	cfg := executorConfig{log: logging.Discard(), depth: DefaultQueueDepth}
	for _, o := range opts {
		o(&cfg)
	}
	e := &Executor{
		closeCh: make(chan struct{}),
		log:     cfg.log,
		cpus:    cfg.cpus,
	}
	e.workers = make([]*worker, numWorkers)
	for i := range e.workers {
		e.workers[i] = &worker{
			id:       i,
			executor: e,
			queue:    newLockFreeQueue[TaskFunc](cfg.depth),
			wake:     make(chan struct{}, 1),
		}
	}
	e.wg.Add(numWorkers)
	for _, w := range e.workers {
		go w.run()
	}
	return e
}

// Submit enqueues a task on the next worker with room. It returns
// api.ErrBusy when every worker queue is full.
func (e *Executor) Submit(task TaskFunc) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	n := len(e.workers)
	for k := 0; k < n; k++ {
		w := e.workers[(e.next+k)%n]
		if !w.queue.Enqueue(task) {
			continue
		}
		e.next = (w.id + 1) % n
		e.totalTasks.Add(1)
		w.notify()
		return nil
	}
	e.rejected.Add(1)
	return api.ErrBusy
}

// NumWorkers returns the number of workers.
func (e *Executor) NumWorkers() int { return len(e.workers) }

// Close stops accepting tasks, lets workers drain what is queued and waits
// for them to exit.
func (e *Executor) Close() {
	e.submitMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.submitMu.Unlock()
		return
	}
	close(e.closeCh)
	e.submitMu.Unlock()
	e.wg.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	total := e.totalTasks.Load()
	done := e.completedTasks.Load()
	return map[string]int64{
		"total_tasks":     total,
		"completed_tasks": done,
		"pending_tasks":   total - done,
		"rejected_tasks":  e.rejected.Load(),
		"panics":          e.panics.Load(),
		"num_workers":     int64(len(e.workers)),
	}
}

// worker represents a single executor goroutine.
type worker struct {
	id       int
	executor *Executor
	queue    *lockFreeQueue[TaskFunc]
	wake     chan struct{}
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	e := w.executor
	defer e.wg.Done()
	if len(e.cpus) > 0 {
		cpu := e.cpus[w.id%len(e.cpus)]
		if err := PinCurrentThread(cpu); err != nil {
			e.log.WithFields(logrus.Fields{"worker": w.id, "cpu": cpu}).WithError(err).Warn("pin failed")
		}
	}
	for {
		if task, ok := w.queue.Dequeue(); ok {
			w.executeTask(task)
			continue
		}
		select {
		case <-w.wake:
		case <-e.closeCh:
			for {
				task, ok := w.queue.Dequeue()
				if !ok {
					return
				}
				w.executeTask(task)
			}
		}
	}
}

// executeTask runs the task and updates statistics, recovering from panics.
func (w *worker) executeTask(task TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			w.executor.panics.Add(1)
			w.executor.log.WithFields(logrus.Fields{"worker": w.id, "panic": r}).Error("task panicked")
		}
		w.executor.completedTasks.Add(1)
	}()
	task()
}
