// Package prior carries optional cross-cutting hints into reconstruction
// methods.
package prior

import "sync"

// Well-known keys.
const (
	// PhaseContrast marks phase-contrast data, whose volumes may be negative.
	PhaseContrast = "phase-contrast"

	// ImageSparsity holds a sparsity.Minimizer handle used by ASD-POCS when
	// no minimizer is attached directly.
	ImageSparsity = "image-sparsity"
)

// Knowledge maps keys to either a boolean flag or an opaque handle. Later
// writes to a key overwrite earlier ones of either kind. Handles are never
// released by Knowledge. Safe for concurrent use.
type Knowledge struct {
	mu      sync.RWMutex
	flags   map[string]bool
	handles map[string]any
}

// New returns an empty registry.
func New() *Knowledge {
	return &Knowledge{flags: make(map[string]bool), handles: make(map[string]any)}
}

// SetBool stores a flag under key, replacing any handle stored there.
func (k *Knowledge) SetBool(key string, v bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.handles, key)
	k.flags[key] = v
}

// Bool returns the flag for key, false when k is nil or the key is missing.
func (k *Knowledge) Bool(key string) bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.flags[key]
}

// SetHandle stores h under key, replacing any flag stored there.
func (k *Knowledge) SetHandle(key string, h any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.flags, key)
	k.handles[key] = h
}

// Handle returns the handle stored under key, if any.
func (k *Knowledge) Handle(key string) (any, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.handles[key]
	return h, ok
}
