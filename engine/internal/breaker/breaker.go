// Package breaker implements the circuit breaker guarding the LLM advisor.
// Grounded on the Closed/Open/HalfOpen state machine embedded in the
// teacher's adaptive rate limiter (engine/internal/ratelimit), lifted out
// into a standalone, independently testable type since the kernel needs to
// assert its exact failure-counting and cooldown law.
package breaker

import (
	"sync"
	"time"

	"github.com/curtivlad/v2xsim/engine/models"
)

// Clock abstracts time so tests can drive the breaker deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the breaker's failure-counting and cooldown law.
type Config struct {
	FailureThreshold int           // failures within Window that trip the breaker
	Window           time.Duration // sliding window for counting failures
	Cooldown         time.Duration // duration Open holds before allowing a probe
}

// DefaultConfig matches the spec's default breaker law: 5 failures in 30s
// opens the breaker; it cools down for 30s before a half-open probe.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Window: 30 * time.Second, Cooldown: 30 * time.Second}
}

// CircuitBreaker is a single-owner state machine: all exported methods lock
// internally, but the intended caller is the single-writer apply phase.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      Config
	clock    Clock
	state    models.BreakerState
	failures []time.Time
	openUntil time.Time
	probing  bool
}

// New constructs a breaker in the Closed state.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, clock: realClock{}, state: models.BreakerClosed}
}

// WithClock overrides the clock; used by tests to control elapsed time.
func (b *CircuitBreaker) WithClock(c Clock) *CircuitBreaker {
	if c != nil {
		b.clock = c
	}
	return b
}

// Allow reports whether a call may proceed right now. When the breaker is
// Open and the cooldown has not elapsed, it returns false immediately
// (ErrBreakerOpen at the call site). When the cooldown has elapsed, it
// transitions to HalfOpen and allows exactly one probe; any Allow call
// while a probe is in flight is refused.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	switch b.state {
	case models.BreakerClosed:
		return true
	case models.BreakerOpen:
		if now.Before(b.openUntil) {
			return false
		}
		b.state = models.BreakerHalfOpen
		b.probing = true
		return true
	case models.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. In HalfOpen this closes the
// breaker and clears the failure window; in Closed it just prunes old
// failures so stale ones cannot contribute to a future trip.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	switch b.state {
	case models.BreakerHalfOpen:
		b.state = models.BreakerClosed
		b.failures = nil
		b.probing = false
	case models.BreakerClosed:
		b.pruneLocked(now)
	}
}

// RecordFailure reports a failed call (timeout, transport error, malformed
// response, or unparseable action are all equivalent breaker-failures).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	switch b.state {
	case models.BreakerHalfOpen:
		b.trip(now)
		b.probing = false
	case models.BreakerClosed:
		b.pruneLocked(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.state = models.BreakerOpen
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.failures = nil
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	if len(b.failures) == 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// State returns the current breaker state and, if Open, the time it next
// allows a probe.
func (b *CircuitBreaker) State() (models.BreakerState, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.openUntil
}
