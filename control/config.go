// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with validation and reload propagation.

package control

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/momentics/hioload-xgq/api"
)

// Validator inspects a pending update before it is merged.
type Validator func(update map[string]any) error

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	validate  Validator
	listeners []func(changed map[string]any)
	version   uint64
}

// NewConfigStore initializes a store seeded with defaults.
func NewConfigStore(defaults map[string]any) *ConfigStore {
	cs := &ConfigStore{config: make(map[string]any, len(defaults))}
	for k, v := range defaults {
		cs.config[k] = v
	}
	return cs
}

// SetValidator installs the update check.
func (cs *ConfigStore) SetValidator(v Validator) {
	cs.mu.Lock()
	cs.validate = v
	cs.mu.Unlock()
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns one value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// Version counts applied updates.
func (cs *ConfigStore) Version() uint64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.version
}

// SetConfig validates and merges new values, then calls every listener with
// the keys that changed. Listeners run on the caller's goroutine after the
// store lock is released.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) error {
	cs.mu.Lock()
	if cs.validate != nil {
		if err := cs.validate(newCfg); err != nil {
			cs.mu.Unlock()
			return err
		}
	}
	changed := make(map[string]any)
	for k, v := range newCfg {
		if old, ok := cs.config[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		cs.config[k] = v
		changed[k] = v
	}
	if len(changed) == 0 {
		cs.mu.Unlock()
		return nil
	}
	cs.version++
	listeners := append([]func(map[string]any){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(changed)
	}
	return nil
}

// OnChange registers a listener that receives changed keys.
func (cs *ConfigStore) OnChange(fn func(changed map[string]any)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.OnChange(func(map[string]any) { fn() })
}

// AsDuration converts a config value to a duration. Strings use
// time.ParseDuration; integers are milliseconds.
func AsDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		return time.ParseDuration(x)
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("control: %T is not a duration: %w", v, api.ErrInvalidConfig)
}

// AsBool converts a config value to a bool.
func AsBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("control: %q: %w", x, api.ErrInvalidConfig)
		}
		return b, nil
	}
	return false, fmt.Errorf("control: %T is not a bool: %w", v, api.ErrInvalidConfig)
}
