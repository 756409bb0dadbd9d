package config

import "sync"

// Holder provides thread-safe access to the current *Resolved configuration.
// The serve scheduler reads through a shared Holder, so a SIGHUP reload
// updates configuration in exactly one place and the next run picks it up.
type Holder struct {
	mu  sync.RWMutex
	cfg *Resolved
}

// NewHolder creates a Holder with the initial configuration.
func NewHolder(cfg *Resolved) *Holder {
	return &Holder{cfg: cfg}
}

// Config returns the current configuration snapshot.
func (h *Holder) Config() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Update replaces the configuration.
func (h *Holder) Update(cfg *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}
