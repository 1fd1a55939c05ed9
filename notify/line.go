// File: notify/line.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package notify

import "sync/atomic"

// Line is a maskable interrupt line feeding a Channel. A masked line drops
// raises; the consumer is then expected to poll.
type Line struct {
	target  *Channel
	enabled atomic.Bool
	raised  atomic.Uint64
	masked  atomic.Uint64
}

// NewLine creates an enabled line.
func NewLine(target *Channel) *Line {
	l := &Line{target: target}
	l.enabled.Store(true)
	return l
}

// Enable unmasks or masks the line.
func (l *Line) Enable(on bool) { l.enabled.Store(on) }

// Enabled reports whether raises are delivered.
func (l *Line) Enabled() bool { return l.enabled.Load() }

// Raise delivers one interrupt.
func (l *Line) Raise() {
	l.raised.Add(1)
	if !l.enabled.Load() {
		l.masked.Add(1)
		return
	}
	l.target.Notify()
}

// Signal implements api.Signaler.
func (l *Line) Signal() error {
	l.Raise()
	return nil
}

// Stats returns raise counters.
func (l *Line) Stats() (raised, masked uint64) {
	return l.raised.Load(), l.masked.Load()
}

// SignalFunc adapts a function to api.Signaler.
type SignalFunc func() error

// Signal calls f.
func (f SignalFunc) Signal() error { return f() }
