// File: sched/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"fmt"
	"time"
)

// inflight counts held slots across queues.
func (s *Scheduler) inflight() int {
	n := 0
	for _, hq := range s.hwQueues() {
		n += hq.slots.InUse()
	}
	return n
}

// Snapshot returns a one-line summary of the pipeline.
func (s *Scheduler) Snapshot() string {
	running := s.inflight()
	pending := int(s.live.Load()) - running
	if pending < 0 {
		pending = 0
	}
	return fmt.Sprintf("pending:%d, running:%d, submit:%d complete:%d",
		pending, running, s.nSubmitted.Load(),
		s.nCompleted.Load()+s.nAborted.Load()+s.nTimedOut.Load())
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() map[string]any {
	return map[string]any{
		"sched.submitted":  s.nSubmitted.Load(),
		"sched.completed":  s.nCompleted.Load(),
		"sched.aborted":    s.nAborted.Load(),
		"sched.timedout":   s.nTimedOut.Load(),
		"sched.inflight":   s.inflight(),
		"sched.halted":     s.halted.Load(),
		"sched.configured": s.Configured(),
		"sched.polling":    s.Polling(),
	}
}

// publishMetrics pushes counters to the sink at most every 100ms.
func (s *Scheduler) publishMetrics() {
	if s.metrics == nil {
		return
	}
	now := time.Now()
	if now.Sub(s.published) < 100*time.Millisecond {
		return
	}
	s.published = now
	for k, v := range s.Stats() {
		s.metrics.SetMetric(k, v)
	}
}
