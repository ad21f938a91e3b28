// Package resources bounds concurrent access to a limited external
// resource — here, the advisor endpoint — with a buffered-channel
// semaphore. Adapted from the teacher's resource manager: the
// Acquire/Release semaphore half is kept verbatim in spirit; the
// disk-spill LRU page cache half is dropped, since this kernel has
// nothing analogous to page bodies worth caching to disk (see DESIGN.md).
package resources

import (
	"context"
	"sync"
)

// Config bounds how many advisor calls may be in flight at once.
type Config struct {
	MaxInFlight int
}

// Manager is a counting semaphore with a live-count snapshot for
// telemetry. A zero-value MaxInFlight means unbounded (Acquire never
// blocks).
type Manager struct {
	slots chan struct{}
	mu    sync.Mutex
	inUse int
}

// NewManager builds a Manager honoring cfg.MaxInFlight.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if cfg.MaxInFlight > 0 {
		m.slots = make(chan struct{}, cfg.MaxInFlight)
	}
	return m
}

// Acquire blocks until a slot is free or ctx is canceled. Always succeeds
// immediately when unbounded.
func (m *Manager) Acquire(ctx context.Context) error {
	if m.slots == nil {
		return nil
	}
	select {
	case m.slots <- struct{}{}:
		m.mu.Lock()
		m.inUse++
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired by Acquire. A no-op if unbounded or
// called without a matching Acquire.
func (m *Manager) Release() {
	if m.slots == nil {
		return
	}
	select {
	case <-m.slots:
		m.mu.Lock()
		if m.inUse > 0 {
			m.inUse--
		}
		m.mu.Unlock()
	default:
	}
}

// InFlight reports the current number of acquired slots.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}
