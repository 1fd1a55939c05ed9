//go:build !linux
// +build !linux

// File: notify/eventfd_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package notify

import (
	"context"
	"errors"

	"github.com/momentics/hioload-xgq/api"
)

var errNoEventfd = errors.New("notify: eventfd is not supported on this platform")

// Eventfd is unavailable on this platform.
type Eventfd struct{}

// NewEventfd returns an error on unsupported platforms.
func NewEventfd() (*Eventfd, error) { return nil, errNoEventfd }

func (e *Eventfd) Signal() error          { return errNoEventfd }
func (e *Eventfd) Drain() (uint64, error) { return 0, errNoEventfd }
func (e *Eventfd) Fd() int                { return -1 }
func (e *Eventfd) Close() error           { return nil }

// Listener is unavailable on this platform.
type Listener struct{}

// NewListener returns an error on unsupported platforms.
func NewListener() (*Listener, error) { return nil, errNoEventfd }

func (l *Listener) Watch(efd *Eventfd, target api.Signaler) error { return errNoEventfd }
func (l *Listener) Run(ctx context.Context) error                 { return errNoEventfd }
func (l *Listener) Close() error                                  { return nil }
