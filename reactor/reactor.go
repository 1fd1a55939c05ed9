// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral event reactor interface.

package reactor

// EventReactor defines basic reactor operations.
type EventReactor interface {
	// Register watches fd for readability and tags its events with userData.
	Register(fd uintptr, userData uintptr) error

	// Unregister stops watching fd.
	Unregister(fd uintptr) error

	// Wait blocks until events are available or timeoutMs elapses (negative
	// blocks forever) and writes them into events. An interrupted wait
	// returns zero events and no error.
	Wait(events []Event, timeoutMs int) (n int, err error)

	// Close cleans up resources.
	Close() error
}

// Event contains event information returned by Wait call.
type Event struct {
	Fd       uintptr // File descriptor
	UserData uintptr // User-provided data
}
