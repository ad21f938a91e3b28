package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/internal/breaker"
	"github.com/curtivlad/v2xsim/engine/models"
)

type slowAdvisor struct{ delay time.Duration }

func (s slowAdvisor) Advise(ctx context.Context, c Context) (models.Decision, error) {
	select {
	case <-time.After(s.delay):
		return models.Decision{Action: models.ActionGo, TargetSpeed: 5}, nil
	case <-ctx.Done():
		return models.Decision{}, ctx.Err()
	}
}

type staticAdvisor struct {
	decision models.Decision
	err      error
}

func (s staticAdvisor) Advise(ctx context.Context, c Context) (models.Decision, error) {
	return s.decision, s.err
}

func TestGuardedCallTimeoutDoesNotIncrementCalls(t *testing.T) {
	cb := breaker.New(breaker.DefaultConfig())
	g := NewGuarded(slowAdvisor{delay: 50 * time.Millisecond}, cb, 10*time.Millisecond, 60)
	_, err := g.Call(context.Background(), Context{})
	assert.ErrorIs(t, err, models.ErrAdvisorTimeout)
	assert.Equal(t, 0, g.Calls())
}

func TestGuardedCallSuccessIncrementsCalls(t *testing.T) {
	cb := breaker.New(breaker.DefaultConfig())
	g := NewGuarded(staticAdvisor{decision: models.Decision{Action: models.ActionGo, TargetSpeed: 5}}, cb, time.Second, 60)
	d, err := g.Call(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, models.ActionGo, d.Action)
	assert.Equal(t, 1, g.Calls())
}

func TestGuardedCallRefusedWhenBreakerOpen(t *testing.T) {
	cb := breaker.New(breaker.Config{FailureThreshold: 1, Window: time.Second, Cooldown: time.Minute})
	g := NewGuarded(staticAdvisor{err: errors.New("boom")}, cb, time.Second, 60)
	_, err := g.Call(context.Background(), Context{})
	assert.Error(t, err)

	_, err = g.Call(context.Background(), Context{})
	assert.ErrorIs(t, err, models.ErrBreakerOpen)
	assert.Equal(t, 0, g.Calls())
}

func TestValidateResponseRejectsMalformed(t *testing.T) {
	_, err := ValidateResponse(Response{Action: "sprint", Speed: 5}, 60)
	assert.Error(t, err)

	_, err = ValidateResponse(Response{Action: models.ActionGo, Speed: -1}, 60)
	assert.Error(t, err)

	_, err = ValidateResponse(Response{Action: models.ActionGo, Speed: 61}, 60)
	assert.Error(t, err)

	d, err := ValidateResponse(Response{Action: models.ActionGo, Speed: 60}, 60)
	require.NoError(t, err)
	assert.Equal(t, 60.0, d.TargetSpeed)
}
