// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-xgq/api"
	"github.com/momentics/hioload-xgq/control"
	"github.com/momentics/hioload-xgq/protocol"
	"github.com/momentics/hioload-xgq/xgq"
)

// Config holds parameters fixed for the lifetime of a Device. The keys listed
// in Reloadable can be changed at runtime through the Control interface.
type Config struct {
	NumCUQueues     int           // CU queues in addition to the control queue
	RegionSize      int           // bytes of shared memory per queue
	SlotSize        int           // submission slot size in bytes
	SlotCount       int           // slots per ring, 0 for as many as fit
	SharedMemory    bool          // back rings with memfd mappings (Linux)
	Eventfd         bool          // ring doorbells through eventfd and epoll (Linux)
	Polling         bool          // poll completions instead of taking interrupts
	PollInterval    time.Duration // polling period of both sides
	CmdTimeout      time.Duration // age at which a submitted command is overdue
	MonitorInterval time.Duration // health scan period
	DrainTimeout    time.Duration // drain window after the device halts
	Echo            bool          // device completes execution commands without running them
	Workers         int           // kernel workers on the device side, 0 for one per CPU
	CPUAffinity     bool          // pin kernel workers to CPUs
	LogLevel        string        // logrus level name
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		NumCUQueues:     4,
		RegionSize:      64 * 1024,      // 64 KiB per queue
		SlotSize:        512,            // 504 bytes of payload
		SlotCount:       0,              // fill the region
		SharedMemory:    false,          // in-process heap rings
		Eventfd:         false,          // in-process doorbells
		Polling:         false,          // interrupt mode
		PollInterval:    time.Millisecond,
		CmdTimeout:      10 * time.Second,
		MonitorInterval: time.Second,
		DrainTimeout:    5 * time.Second,
		Echo:            false,
		Workers:         0,
		CPUAffinity:     false,
		LogLevel:        "info",
	}
}

// Reloadable configuration keys.
const (
	KeyPolling         = "sched.polling"
	KeyIntc            = "sched.intc"
	KeyPollInterval    = "sched.poll_interval"
	KeyMonitorTimeout  = "monitor.timeout"
	KeyMonitorInterval = "monitor.interval"
	KeyMonitorDrain    = "monitor.drain"
)

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.NumCUQueues < 1 {
		return fieldError("NumCUQueues", c.NumCUQueues)
	}
	if _, err := xgq.Configure(c.RegionSize, c.SlotSize, c.SlotCount); err != nil {
		return err
	}
	if c.SlotSize-protocol.SQHeaderSize > protocol.MaxPayload {
		return fieldError("SlotSize", c.SlotSize)
	}
	for name, d := range map[string]time.Duration{
		"PollInterval":    c.PollInterval,
		"CmdTimeout":      c.CmdTimeout,
		"MonitorInterval": c.MonitorInterval,
		"DrainTimeout":    c.DrainTimeout,
	} {
		if d <= 0 {
			return fieldError(name, d)
		}
	}
	return nil
}

func fieldError(name string, v any) error {
	return api.Wrap(api.ErrCodeInvalidConfiguration, api.ErrInvalidConfig, "facade: invalid "+name).
		WithContext("value", fmt.Sprint(v))
}

func (c *Config) reloadDefaults() map[string]any {
	return map[string]any{
		KeyPolling:         c.Polling,
		KeyIntc:            !c.Polling,
		KeyPollInterval:    c.PollInterval,
		KeyMonitorTimeout:  c.CmdTimeout,
		KeyMonitorInterval: c.MonitorInterval,
		KeyMonitorDrain:    c.DrainTimeout,
	}
}

// validateReload rejects updates with mistyped or non-positive values.
func validateReload(update map[string]any) error {
	for k, v := range update {
		switch k {
		case KeyPolling, KeyIntc:
			if _, err := control.AsBool(v); err != nil {
				return fmt.Errorf("facade: %s: %w", k, err)
			}
		case KeyPollInterval, KeyMonitorTimeout, KeyMonitorInterval, KeyMonitorDrain:
			d, err := control.AsDuration(v)
			if err != nil {
				return fmt.Errorf("facade: %s: %w", k, err)
			}
			if d <= 0 {
				return fieldError(k, d)
			}
		}
	}
	return nil
}
