package v2x

// The per-agent state map is sharded by FNV hash, one RWMutex per shard,
// the same technique the teacher's adaptive rate limiter uses to shard
// per-domain state (engine/internal/ratelimit) — here resharded per
// AgentId instead of per-domain, and carrying a token bucket plus a
// liveness timestamp instead of an AIMD rate and breaker.

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/curtivlad/v2xsim/engine/models"
)

const (
	VMax               = 60.0 // m/s, upper bound for Message.V
	DefaultRateLimit    = 20.0 // messages per second, per agent
	DefaultStaleAfter   = 5 * time.Second
	DefaultLivenessTTL  = 5 * time.Second
	shardCount          = 16
)

// Signer computes and verifies the HMAC-SHA256 over a message's canonical
// serialization. The shared key is process-global and immutable after
// construction, per the spec's ownership rule.
type Signer struct {
	key []byte
}

// NewSigner builds a signer around an immutable shared key.
func NewSigner(key []byte) *Signer {
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Signer{key: cp}
}

// Sign returns the hex-encoded HMAC-SHA256 over the canonical serialization
// of every field of m except MAC.
func (s *Signer) Sign(m models.Message) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonicalize(m))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether m.MAC matches the signature over its own payload.
// Uses constant-time comparison to avoid timing side channels.
func (s *Signer) Verify(m models.Message) bool {
	expected := s.Sign(m)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(m.MAC)) == 1
}

// FilterConfig tunes the security filter's rate limit and staleness bounds.
type FilterConfig struct {
	RateLimit      float64       // tokens/sec refill rate, default DefaultRateLimit
	BurstCapacity  float64       // token bucket capacity, default == RateLimit
	StaleAfter     time.Duration // reject timestamps older than now by more than this
	LivenessTTL    time.Duration // agents unseen for this long are pruned from snapshots
}

// DefaultFilterConfig returns the spec's default thresholds.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		RateLimit:     DefaultRateLimit,
		BurstCapacity: DefaultRateLimit,
		StaleAfter:    DefaultStaleAfter,
		LivenessTTL:   DefaultLivenessTTL,
	}
}

// SecurityFilter validates inbound messages: MAC, numeric range and
// finiteness, timestamp monotonicity/staleness, and per-agent rate limit.
// It owns no channel state beyond what it needs to make those calls.
type SecurityFilter struct {
	cfg    FilterConfig
	signer *Signer
	shards [shardCount]*agentShard
}

type agentShard struct {
	mu     sync.Mutex
	states map[models.AgentId]*agentState
}

type agentState struct {
	tokens        float64
	lastRefill    time.Time
	lastTimestamp time.Time
	lastSeen      time.Time
	seenOnce      bool
}

// NewSecurityFilter builds a filter bound to the given signer and config.
func NewSecurityFilter(signer *Signer, cfg FilterConfig) *SecurityFilter {
	f := &SecurityFilter{cfg: cfg, signer: signer}
	for i := range f.shards {
		f.shards[i] = &agentShard{states: make(map[models.AgentId]*agentState)}
	}
	return f
}

func (f *SecurityFilter) shardFor(id models.AgentId) *agentShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return f.shards[h.Sum32()%shardCount]
}

func (f *SecurityFilter) stateFor(id models.AgentId) *agentState {
	shard := f.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st := shard.states[id]
	if st == nil {
		st = &agentState{tokens: f.cfg.BurstCapacity}
		shard.states[id] = st
	}
	return st
}

// Validate checks msg against MAC, range, staleness, and rate-limit rules,
// updating the agent's rate-limit and liveness state on acceptance. now is
// the wall-clock time the filter evaluates the message at (normally the
// tick scheduler's current time).
func (f *SecurityFilter) Validate(msg models.Message, now time.Time) error {
	if !f.signer.Verify(msg) {
		return models.ErrInvalidMAC
	}
	if !numericRangeOK(msg) {
		return models.ErrInvalidRange
	}

	shard := f.shardFor(msg.AgentID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st := shard.states[msg.AgentID]
	if st == nil {
		st = &agentState{tokens: f.cfg.BurstCapacity}
		shard.states[msg.AgentID] = st
	}

	if st.seenOnce && !msg.Timestamp.After(st.lastTimestamp) {
		return models.ErrStaleMessage
	}
	if f.cfg.StaleAfter > 0 && now.Sub(msg.Timestamp) > f.cfg.StaleAfter {
		return models.ErrStaleMessage
	}

	f.refillLocked(st, now)
	if st.tokens < 1 {
		return models.ErrRateLimited
	}
	st.tokens -= 1

	st.seenOnce = true
	st.lastTimestamp = msg.Timestamp
	st.lastSeen = now
	return nil
}

func (f *SecurityFilter) refillLocked(st *agentState, now time.Time) {
	if st.lastRefill.IsZero() {
		st.lastRefill = now
		return
	}
	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	st.tokens += elapsed * f.cfg.RateLimit
	if st.tokens > f.cfg.BurstCapacity {
		st.tokens = f.cfg.BurstCapacity
	}
	st.lastRefill = now
}

// LastSeen reports the last acceptance time recorded for id, and whether
// any message has ever been accepted from it.
func (f *SecurityFilter) LastSeen(id models.AgentId) (time.Time, bool) {
	shard := f.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st := shard.states[id]
	if st == nil || !st.seenOnce {
		return time.Time{}, false
	}
	return st.lastSeen, true
}

func numericRangeOK(m models.Message) bool {
	finite := isFinite(m.X) && isFinite(m.Y) && isFinite(m.V) && isFinite(m.Theta)
	if !finite {
		return false
	}
	if m.V < 0 || m.V > VMax {
		return false
	}
	if m.Theta < 0 || m.Theta >= 360 {
		return false
	}
	return true
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
