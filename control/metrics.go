// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for queue and scheduler counters.

package control

import (
	"sync"

	"github.com/momentics/hioload-xgq/api"
)

// MetricsRegistry holds the latest value of every metric key.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
}

var _ api.MetricsSink = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.mu.Unlock()
}

// SetMetric implements api.MetricsSink.
func (mr *MetricsRegistry) SetMetric(key string, value any) { mr.Set(key, value) }

// Add increments an integer counter.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.mu.Lock()
	cur, _ := mr.metrics[key].(int64)
	mr.metrics[key] = cur + delta
	mr.mu.Unlock()
}

// Get returns one metric.
func (mr *MetricsRegistry) Get(key string) (any, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	v, ok := mr.metrics[key]
	return v, ok
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}
