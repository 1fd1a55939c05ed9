// control/hotreload.go
// Reload hooks for components that re-read the whole configuration.
// TriggerSync gives tests deterministic notification.

package control

import "sync"

// HotReload is a set of reload hooks.
type HotReload struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func()
}

// NewHotReload creates an empty hook set.
func NewHotReload() *HotReload {
	return &HotReload{hooks: make(map[int]func())}
}

// Register adds a hook and returns a function removing it.
func (h *HotReload) Register(fn func()) (unregister func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.hooks[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.hooks, id)
		h.mu.Unlock()
	}
}

func (h *HotReload) snapshot() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(), 0, len(h.hooks))
	for _, fn := range h.hooks {
		out = append(out, fn)
	}
	return out
}

// Trigger dispatches all hooks asynchronously.
func (h *HotReload) Trigger() {
	for _, fn := range h.snapshot() {
		go fn()
	}
}

// TriggerSync invokes all hooks on the caller's goroutine.
func (h *HotReload) TriggerSync() {
	for _, fn := range h.snapshot() {
		fn()
	}
}
