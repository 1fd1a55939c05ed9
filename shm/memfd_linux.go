//go:build linux
// +build linux

// File: shm/memfd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// memfd-backed regions. The descriptor can be passed to another process,
// which maps the same pages with Map.

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Shared is an mmap-backed region with an owning file descriptor.
type Shared struct {
	byteRegion
	fd    int
	ownFd bool
}

// NewShared creates an anonymous memfd of size bytes and maps it.
func NewShared(name string, size int) (*Shared, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate: %w", err)
	}
	s, err := mapFd(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.ownFd = true
	return s, nil
}

// Map maps an existing descriptor created by NewShared. The caller keeps
// ownership of fd.
func Map(fd, size int) (*Shared, error) {
	return mapFd(fd, size)
}

func mapFd(fd, size int) (*Shared, error) {
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return &Shared{byteRegion: byteRegion{buf: buf}, fd: fd}, nil
}

// Fd returns the backing descriptor.
func (s *Shared) Fd() int { return s.fd }

// Close unmaps the region and closes the descriptor if this mapping created it.
func (s *Shared) Close() error {
	if s.buf == nil {
		return nil
	}
	err := unix.Munmap(s.buf)
	s.buf = nil
	if s.ownFd {
		if cerr := unix.Close(s.fd); err == nil {
			err = cerr
		}
	}
	return err
}
