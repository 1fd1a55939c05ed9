// Package pool
// Author: momentics <momentics@gmail.com>
//
// Object pooling for the executing side. Slot payloads are copied out of
// shared memory into pooled buffers so a slot can be released before the
// command runs.
package pool
