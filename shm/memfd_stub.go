//go:build !linux
// +build !linux

// File: shm/memfd_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import "errors"

var errUnsupported = errors.New("shm: shared mappings are not supported on this platform")

// Shared is unavailable on this platform.
type Shared struct {
	byteRegion
}

// NewShared returns an error on unsupported platforms.
func NewShared(name string, size int) (*Shared, error) { return nil, errUnsupported }

// Map returns an error on unsupported platforms.
func Map(fd, size int) (*Shared, error) { return nil, errUnsupported }

// Fd returns -1.
func (s *Shared) Fd() int { return -1 }

// Close is a no-op.
func (s *Shared) Close() error { return nil }
