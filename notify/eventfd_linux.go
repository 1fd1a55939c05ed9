//go:build linux
// +build linux

// File: notify/eventfd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// eventfd doorbells and the epoll listener that turns them into in-process
// signals.

package notify

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/reactor"
)

// Eventfd is a doorbell that can cross a process boundary.
type Eventfd struct {
	fd int
}

// NewEventfd creates a non-blocking eventfd.
func NewEventfd() (*Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("notify: eventfd: %w", err)
	}
	return &Eventfd{fd: fd}, nil
}

// Signal adds one to the counter. A saturated counter already implies a
// pending wake and is not an error.
func (e *Eventfd) Signal() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Drain resets the counter and returns its value.
func (e *Eventfd) Drain() (uint64, error) {
	var b [8]byte
	_, err := unix.Read(e.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Fd returns the descriptor.
func (e *Eventfd) Fd() int { return e.fd }

// Close releases the descriptor.
func (e *Eventfd) Close() error { return unix.Close(e.fd) }

// Listener forwards eventfd readiness to signal targets.
type Listener struct {
	r       reactor.EventReactor
	stop    *Eventfd
	mu      sync.Mutex
	targets []watch
	running atomic.Bool
	done    chan struct{}
}

type watch struct {
	efd    *Eventfd
	target api.Signaler
}

// NewListener creates a listener with its own reactor.
func NewListener() (*Listener, error) {
	r, err := reactor.NewReactor()
	if err != nil {
		return nil, err
	}
	stop, err := NewEventfd()
	if err != nil {
		r.Close()
		return nil, err
	}
	l := &Listener{r: r, stop: stop, done: make(chan struct{})}
	// user data 0 is the stop descriptor; watches start at 1
	if err := r.Register(uintptr(stop.Fd()), 0); err != nil {
		stop.Close()
		r.Close()
		return nil, err
	}
	return l, nil
}

// Watch routes readiness of efd to target.
func (l *Listener) Watch(efd *Eventfd, target api.Signaler) error {
	l.mu.Lock()
	l.targets = append(l.targets, watch{efd: efd, target: target})
	tag := uintptr(len(l.targets))
	l.mu.Unlock()
	return l.r.Register(uintptr(efd.Fd()), tag)
}

// Run dispatches readiness until ctx ends or Close is called.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("notify: listener already running")
	}
	defer close(l.done)
	go func() {
		select {
		case <-ctx.Done():
			l.stop.Signal()
		case <-l.done:
		}
	}()
	events := make([]reactor.Event, 16)
	for {
		n, err := l.r.Wait(events, -1)
		if err != nil {
			return err
		}
		for _, ev := range events[:n] {
			if ev.UserData == 0 {
				return ctx.Err()
			}
			l.mu.Lock()
			w := l.targets[ev.UserData-1]
			l.mu.Unlock()
			if _, err := w.efd.Drain(); err != nil {
				return err
			}
			if err := w.target.Signal(); err != nil {
				return err
			}
		}
	}
}

// Close stops Run and releases the reactor.
func (l *Listener) Close() error {
	l.stop.Signal()
	if l.running.Load() {
		<-l.done
	}
	l.stop.Close()
	return l.r.Close()
}
