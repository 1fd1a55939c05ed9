// File: router/router.go
// Package router assigns compute units to command queues.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The router owns the unit-to-queue table. A queue serving exactly one unit
// runs in single mode, where the executing side may skip header decoding of
// the unit; the mode is switched only while assigning or unassigning.

package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/internal/logging"
)

// Domain is the execution domain of a compute unit.
type Domain uint8

const (
	DomainPL Domain = iota // programmable logic
	DomainPS               // processor subsystem
)

// Unit identifies one compute unit.
type Unit struct {
	Index  uint16
	Domain Domain
}

func (u Unit) String() string {
	if u.Domain == DomainPS {
		return fmt.Sprintf("ps/%d", u.Index)
	}
	return fmt.Sprintf("pl/%d", u.Index)
}

// Mode is the dispatch mode of a queue.
type Mode uint8

const (
	ModeMulti Mode = iota
	ModeSingle
)

func (m Mode) String() string {
	if m == ModeSingle {
		return "single"
	}
	return "multi"
}

type queueState struct {
	served   int
	enabled  bool
	mode     Mode
	sole     Unit
	torndown bool
}

// Router maps units to queues.
type Router struct {
	mu     sync.Mutex
	queues []queueState
	table  map[Unit]int
	next   int
	log    *logrus.Entry
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Router) { r.log = l }
}

// New creates a router over n queues, all enabled.
func New(n int, opts ...Option) *Router {
	r := &Router{
		queues: make([]queueState, n),
		table:  make(map[Unit]int),
		log:    logging.Discard(),
	}
	for i := range r.queues {
		r.queues[i].enabled = true
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Assign binds u to the least-loaded enabled queue, breaking ties round-robin.
// Assigning an already bound unit returns its queue.
func (r *Router) Assign(u Unit) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.table[u]; ok {
		return q, nil
	}
	best := -1
	n := len(r.queues)
	for k := 0; k < n; k++ {
		i := (r.next + k) % n
		qs := &r.queues[i]
		if !qs.enabled || qs.torndown {
			continue
		}
		if best < 0 || qs.served < r.queues[best].served {
			best = i
		}
	}
	if best < 0 {
		return 0, api.Wrap(api.ErrCodeResourceExhausted, api.ErrNoQueue, "router: no enabled queue").
			WithContext("unit", u.String())
	}
	r.next = (best + 1) % n
	r.table[u] = best
	r.queues[best].served++
	r.reconfigure(best)
	r.log.WithFields(logrus.Fields{"unit": u.String(), "queue": best}).Debug("unit assigned")
	return best, nil
}

// Unassign removes u and reports whether its queue became idle.
func (r *Router) Unassign(u Unit) (queue int, idle bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.table[u]
	if !ok {
		return 0, false, fmt.Errorf("router: unit %s not assigned: %w", u, api.ErrInvalidArgument)
	}
	delete(r.table, u)
	r.queues[q].served--
	r.reconfigure(q)
	return q, r.queues[q].served == 0, nil
}

// reconfigure recomputes the mode of queue q. Callers hold r.mu.
func (r *Router) reconfigure(q int) {
	qs := &r.queues[q]
	prev := qs.mode
	if qs.served == 1 {
		qs.mode = ModeSingle
		for u, owner := range r.table {
			if owner == q {
				qs.sole = u
				break
			}
		}
	} else {
		qs.mode = ModeMulti
		qs.sole = Unit{}
	}
	if prev != qs.mode {
		r.log.WithFields(logrus.Fields{"queue": q, "mode": qs.mode.String()}).Debug("queue mode changed")
	}
}

// Route returns the queue serving u.
func (r *Router) Route(u Unit) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.table[u]
	return q, ok
}

// Resolve reports whether queue q serves the unit named by a command header.
// In single mode a header naming the sole unit skips the table lookup.
func (r *Router) Resolve(q int, hdr Unit) (Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(q) {
		return hdr, false
	}
	if r.queues[q].mode == ModeSingle && r.queues[q].sole == hdr {
		return hdr, true
	}
	served, ok := r.table[hdr]
	return hdr, ok && served == q
}

// Enable allows new assignments on q.
func (r *Router) Enable(q int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valid(q) && !r.queues[q].torndown {
		r.queues[q].enabled = true
	}
}

// Disable stops new assignments on q. Existing assignments stay.
func (r *Router) Disable(q int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valid(q) {
		r.queues[q].enabled = false
	}
}

// Teardown removes q from service and returns the units it served.
func (r *Router) Teardown(q int) []Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(q) {
		return nil
	}
	var units []Unit
	for u, owner := range r.table {
		if owner == q {
			units = append(units, u)
			delete(r.table, u)
		}
	}
	sortUnits(units)
	r.queues[q] = queueState{torndown: true}
	return units
}

// Reset clears all assignments and re-enables every queue.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = make(map[Unit]int)
	for i := range r.queues {
		r.queues[i] = queueState{enabled: true}
	}
	r.next = 0
}

// Served returns the number of units on q.
func (r *Router) Served(q int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(q) {
		return 0
	}
	return r.queues[q].served
}

// Mode returns the dispatch mode of q.
func (r *Router) Mode(q int) Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(q) {
		return ModeMulti
	}
	return r.queues[q].mode
}

// Len returns the number of queues.
func (r *Router) Len() int { return len(r.queues) }

// Assignments returns a copy of the table keyed by unit name.
func (r *Router) Assignments() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.table))
	for u, q := range r.table {
		out[u.String()] = q
	}
	return out
}

func (r *Router) valid(q int) bool { return q >= 0 && q < len(r.queues) }

func sortUnits(us []Unit) {
	sort.Slice(us, func(i, j int) bool {
		if us[i].Domain != us[j].Domain {
			return us[i].Domain < us[j].Domain
		}
		return us[i].Index < us[j].Index
	})
}
