// File: api/signal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Signaler raises a doorbell toward the other execution domain.
// Implementations must be safe to call from any goroutine and must not block.
type Signaler interface {
	Signal() error
}
