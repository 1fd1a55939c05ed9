//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor implementation and factory.

package reactor

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// linuxReactor is a level-triggered epoll reactor. User data is kept on the
// Go side, keyed by descriptor.
type linuxReactor struct {
	epfd  int
	mu    sync.RWMutex
	udata map[int32]uintptr
	raw   []unix.EpollEvent
}

// NewReactor constructs a new platform-specific EventReactor for Linux.
func NewReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &linuxReactor{epfd: epfd, udata: make(map[int32]uintptr)}, nil
}

// Register adds file descriptor to epoll.
func (r *linuxReactor) Register(fd uintptr, udata uintptr) error {
	event := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	r.mu.Lock()
	r.udata[int32(fd)] = udata
	r.mu.Unlock()
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), event); err != nil {
		r.mu.Lock()
		delete(r.udata, int32(fd))
		r.mu.Unlock()
		return err
	}
	return nil
}

// Unregister removes file descriptor from epoll.
func (r *linuxReactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	delete(r.udata, int32(fd))
	r.mu.Unlock()
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
}

// Wait waits for epoll events and fills the result into events slice.
// Wait is not safe for concurrent callers.
func (r *linuxReactor) Wait(events []Event, timeoutMs int) (int, error) {
	if cap(r.raw) < len(events) {
		r.raw = make([]unix.EpollEvent, len(events))
	}
	raw := r.raw[:len(events)]
	n, err := unix.EpollWait(r.epfd, raw, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	r.mu.RLock()
	for i := 0; i < n; i++ {
		events[i] = Event{Fd: uintptr(raw[i].Fd), UserData: r.udata[raw[i].Fd]}
	}
	r.mu.RUnlock()
	return n, nil
}

// Close closes the epoll instance.
func (r *linuxReactor) Close() error {
	return unix.Close(r.epfd)
}
