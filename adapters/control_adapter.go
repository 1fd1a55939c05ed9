// Package adapters
// Author: momentics <momentics@gmail.com>
//
// Control adapter implementing api.Control interface using control package primitives.

package adapters

import (
	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/control"
)

// ControlAdapter joins a config store, a metrics registry and debug probes
// behind api.Control. It is also the scheduler's metrics sink.
type ControlAdapter struct {
	config  *control.ConfigStore
	metrics *control.MetricsRegistry
	debug   *control.DebugProbes
	reload  *control.HotReload
}

var (
	_ api.Control     = (*ControlAdapter)(nil)
	_ api.MetricsSink = (*ControlAdapter)(nil)
	_ api.Debug       = (*ControlAdapter)(nil)
)

// NewControlAdapter creates an adapter seeded with defaults. validate may be nil.
func NewControlAdapter(defaults map[string]any, validate control.Validator) *ControlAdapter {
	adapter := &ControlAdapter{
		config:  control.NewConfigStore(defaults),
		metrics: control.NewMetricsRegistry(),
		debug:   control.NewDebugProbes(),
		reload:  control.NewHotReload(),
	}
	if validate != nil {
		adapter.config.SetValidator(validate)
	}
	adapter.config.OnReload(adapter.reload.TriggerSync)
	control.RegisterPlatformProbes(adapter.debug)
	return adapter
}

func (c *ControlAdapter) GetConfig() map[string]any {
	return c.config.GetSnapshot()
}

func (c *ControlAdapter) SetConfig(cfg map[string]any) error {
	return c.config.SetConfig(cfg)
}

// OnChange registers a listener receiving the changed keys.
func (c *ControlAdapter) OnChange(fn func(changed map[string]any)) {
	c.config.OnChange(fn)
}

func (c *ControlAdapter) Stats() map[string]any {
	stats := c.metrics.GetSnapshot()
	debugStats := c.debug.DumpState()
	combined := make(map[string]any, len(stats)+len(debugStats))
	for k, v := range stats {
		combined[k] = v
	}
	for k, v := range debugStats {
		combined["debug."+k] = v
	}
	return combined
}

func (c *ControlAdapter) OnReload(fn func()) {
	c.reload.Register(fn)
}

func (c *ControlAdapter) SetMetric(key string, value any) {
	c.metrics.Set(key, value)
}

func (c *ControlAdapter) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}

// RegisterProbe implements api.Debug.
func (c *ControlAdapter) RegisterProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}

// DumpState implements api.Debug.
func (c *ControlAdapter) DumpState() map[string]any {
	return c.debug.DumpState()
}

// Metrics returns the underlying registry.
func (c *ControlAdapter) Metrics() *control.MetricsRegistry { return c.metrics }
