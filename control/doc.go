// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration, metrics and debug introspection for a device.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads and validated updates
//   - Change listeners and reload hooks
//   - Metrics registry usable as a scheduler metrics sink
//   - Named debug probes
package control
