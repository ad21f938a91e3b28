// Package advisor models the external LLM advisor as an opaque,
// cancellable capability guarded by a circuit breaker. Any transport can
// satisfy Advisor; the shipped implementation is a deterministic local
// stub (the spec treats the real LLM transport as out of scope). The
// breaker-guarded call path is grounded on the rate limiter's
// Acquire/Feedback shape (engine/internal/ratelimit/limiter.go):
// acquire-permission, perform, report outcome.
package advisor

import (
	"context"
	"errors"
	"time"

	"github.com/curtivlad/v2xsim/engine/internal/breaker"
	"github.com/curtivlad/v2xsim/engine/models"
)

// DefaultTimeout is T_llm, the per-call deadline.
const DefaultTimeout = 800 * time.Millisecond

// Context is the compact per-call context built for the advisor: own
// state, nearest peers, the arbiter's advisory, and a short memory digest.
type Context struct {
	Self          models.KinematicState
	SelfID        models.AgentId
	NearestPeers  []models.Message
	Advisory      models.Advisory
	MemoryDigest  string
}

// Advisor is the capability the decision function calls through the
// breaker. Implementations must respect ctx cancellation.
type Advisor interface {
	Advise(ctx context.Context, c Context) (models.Decision, error)
}

// Response is the advisor's wire-level reply shape before validation.
type Response struct {
	Action Action
	Speed  float64
	Reason string
}

// Action mirrors models.Action but is validated independently so a
// malformed advisor response (e.g. an unrecognized action string) is
// caught here rather than silently coerced.
type Action = models.Action

var (
	errUnparseableAction = errors.New("advisor: unparseable action")
	errSpeedOutOfRange   = errors.New("advisor: speed out of range")
)

// ValidateResponse enforces the response schema: action in the known set,
// speed in [0, vMax]. Any violation is an advisor-malformed failure.
func ValidateResponse(r Response, vMax float64) (models.Decision, error) {
	switch r.Action {
	case models.ActionGo, models.ActionYield, models.ActionBrake, models.ActionStop:
	default:
		return models.Decision{}, errUnparseableAction
	}
	if r.Speed < 0 || r.Speed > vMax {
		return models.Decision{}, errSpeedOutOfRange
	}
	return models.Decision{Action: r.Action, TargetSpeed: r.Speed, Reason: r.Reason}, nil
}

// Guarded wraps an Advisor with a CircuitBreaker and the per-call timeout.
// Call is the only entry point the decision function uses; it never
// returns a call that exceeded the breaker's allowance or the deadline
// without classifying it as models.ErrBreakerOpen / models.ErrAdvisorTimeout.
type Guarded struct {
	inner   Advisor
	cb      *breaker.CircuitBreaker
	timeout time.Duration
	vMax    float64

	calls int // diagnostic counter of calls that returned a valid decision
}

// NewGuarded builds a breaker-guarded advisor. cb is typically process-wide
// per advisor endpoint.
func NewGuarded(inner Advisor, cb *breaker.CircuitBreaker, timeout time.Duration, vMax float64) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guarded{inner: inner, cb: cb, timeout: timeout, vMax: vMax}
}

// Call attempts an advisor call under the breaker and timeout. It returns
// models.ErrBreakerOpen without ever invoking inner when the breaker
// refuses. On timeout it cancels the inner call's context and returns
// models.ErrAdvisorTimeout; the caller must fall back to the adaptive rule
// and must not count the call against llm_calls.
func (g *Guarded) Call(ctx context.Context, c Context) (models.Decision, error) {
	if !g.cb.Allow() {
		return models.Decision{}, models.ErrBreakerOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		decision models.Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		d, err := g.inner.Advise(callCtx, c)
		done <- result{decision: d, err: err}
	}()

	select {
	case <-callCtx.Done():
		g.cb.RecordFailure()
		return models.Decision{}, models.ErrAdvisorTimeout
	case r := <-done:
		if r.err != nil {
			g.cb.RecordFailure()
			if errors.Is(r.err, errUnparseableAction) || errors.Is(r.err, errSpeedOutOfRange) {
				return models.Decision{}, models.ErrAdvisorMalformed
			}
			return models.Decision{}, r.err
		}
		g.cb.RecordSuccess()
		g.calls++
		return r.decision, nil
	}
}

// Calls returns the number of calls that reached the inner advisor and
// returned a valid decision; refused, timed-out and failed calls are not
// counted.
func (g *Guarded) Calls() int { return g.calls }

// DeterministicStub is a local, non-networked Advisor used by tests and
// by default configuration: it answers with whatever its Suggest function
// proposes, checked by ValidateResponse, without ever leaving the process
// (the spec excludes the real LLM transport).
type DeterministicStub struct {
	Suggest func(Context) (Response, error)
}

// Advise implements Advisor.
func (s DeterministicStub) Advise(ctx context.Context, c Context) (models.Decision, error) {
	if ctx.Err() != nil {
		return models.Decision{}, ctx.Err()
	}
	resp, err := s.Suggest(c)
	if err != nil {
		return models.Decision{}, err
	}
	return ValidateResponse(resp, VMaxDefault)
}

// VMaxDefault mirrors v2x.VMax without importing v2x (avoids an import
// cycle: v2x has no reason to depend on advisor).
const VMaxDefault = 60.0
