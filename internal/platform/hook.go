// Package platform holds the host collaborators the catalog engine calls out
// to: archive scanning, symlinks, optional OS features, reboot and icon
// extraction. Each has a process-wide override so tests can pin its result.
package platform

import "sync"

// hook holds an optional fixed result for one collaborator.
type hook[T any] struct {
	mu  sync.RWMutex
	val *T
}

func (h *hook[T]) get() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.val == nil {
		var zero T
		return zero, false
	}
	return *h.val, true
}

func (h *hook[T]) set(v *T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v == nil {
		h.val = nil
		return
	}
	c := *v
	h.val = &c
}

// override installs v and returns a restore function for the previous value.
func (h *hook[T]) override(v T) func() {
	h.mu.Lock()
	prev := h.val
	h.val = &v
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.val = prev
	}
}
