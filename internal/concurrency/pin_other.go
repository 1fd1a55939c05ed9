// File: internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread. CPU binding
// is not available on this platform.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	return nil
}

// OnlineCPUs returns 0..NumCPU-1.
func OnlineCPUs() []int { return fallbackCPUs() }
