// Package v2x implements the signed broadcast channel: message validation
// (crypto/hmac + crypto/sha256, the textbook stdlib use for a MAC — no
// third-party MAC library is warranted for this), per-agent rate limiting,
// liveness pruning, and the immutable per-tick snapshot every reader
// observes. Canonical encoding and the security filter are implemented in
// canonical.go and security.go; this file is the publish/snapshot/history
// surface the tick scheduler and agents use.
package v2x

import (
	"sync"
	"time"

	"github.com/curtivlad/v2xsim/engine/models"
)

// RejectionStats counts publish failures by kind, surfaced via
// telemetry_report(); never exposed beyond aggregate counts.
type RejectionStats struct {
	InvalidMAC    uint64
	InvalidRange  uint64
	StaleMessage  uint64
	RateLimited   uint64
}

// Channel is the shared, single-writer-mutated broadcast bus. Reads
// (Snapshot, History) may happen concurrently with each other but never
// concurrently with Publish within the same tick — the tick scheduler
// guarantees all publishes happen in the apply phase before any reader
// observes a new Snapshot.
type Channel struct {
	filter     *SecurityFilter
	historyCap int

	mu      sync.RWMutex
	latest  map[models.AgentId]models.Message
	history []models.Snapshot
	stats   RejectionStats
}

// NewChannel builds a channel bound to a security filter. historyCap
// bounds how many past snapshots History() can return; 0 disables history.
func NewChannel(filter *SecurityFilter, historyCap int) *Channel {
	return &Channel{
		filter:     filter,
		historyCap: historyCap,
		latest:     make(map[models.AgentId]models.Message),
	}
}

// Publish validates and, on acceptance, stores msg as the agent's latest
// state. Publish order within a tick is irrelevant — only the final
// message per agent before the next Snapshot call is observed.
func (c *Channel) Publish(msg models.Message, now time.Time) error {
	if err := c.filter.Validate(msg, now); err != nil {
		c.mu.Lock()
		switch err {
		case models.ErrInvalidMAC:
			c.stats.InvalidMAC++
		case models.ErrInvalidRange:
			c.stats.InvalidRange++
		case models.ErrStaleMessage:
			c.stats.StaleMessage++
		case models.ErrRateLimited:
			c.stats.RateLimited++
		}
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.latest[msg.AgentID] = msg
	c.mu.Unlock()
	return nil
}

// Snapshot prunes agents whose liveness has expired and returns an
// immutable copy of the remaining per-agent messages. Every caller within
// the same tick sees identical content regardless of publish order.
func (c *Channel) Snapshot(tick uint64, now time.Time) models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.latest {
		lastSeen, ok := c.filter.LastSeen(id)
		if !ok {
			continue
		}
		if now.Sub(lastSeen) > c.filter.cfg.LivenessTTL {
			delete(c.latest, id)
		}
	}

	copyMsgs := make(map[models.AgentId]models.Message, len(c.latest))
	for id, msg := range c.latest {
		copyMsgs[id] = msg
	}
	snap := models.Snapshot{Tick: tick, Time: now, Messages: copyMsgs}

	if c.historyCap > 0 {
		c.history = append(c.history, snap)
		if len(c.history) > c.historyCap {
			c.history = c.history[len(c.history)-c.historyCap:]
		}
	}
	return snap
}

// History returns up to the last n retained snapshots, oldest first.
func (c *Channel) History(n int) []models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]models.Snapshot, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

// Stats returns a copy of the current rejection counters.
func (c *Channel) Stats() RejectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
