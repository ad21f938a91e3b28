package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/models"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestBreakerTripsAfterThresholdFailuresInWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New(DefaultConfig()).WithClock(clock)

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		clock.advance(time.Second)
	}
	state, _ := b.State()
	assert.Equal(t, models.BreakerClosed, state)

	require.True(t, b.Allow())
	b.RecordFailure()
	state, until := b.State()
	assert.Equal(t, models.BreakerOpen, state)
	assert.True(t, until.After(clock.now))
}

func TestBreakerStaysClosedWhenFailuresFallOutsideWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := New(DefaultConfig()).WithClock(clock)

	for i := 0; i < 4; i++ {
		b.Allow()
		b.RecordFailure()
		clock.advance(10 * time.Second)
	}
	// by now >30s has elapsed since the first failure; it should have aged out
	b.Allow()
	b.RecordFailure()
	state, _ := b.State()
	assert.Equal(t, models.BreakerClosed, state)
}

func TestBreakerOpenRefusesUntilCooldownThenAllowsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	b := New(cfg).WithClock(clock)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	state, _ := b.State()
	require.Equal(t, models.BreakerOpen, state)
	assert.False(t, b.Allow())

	clock.advance(cfg.Cooldown + time.Millisecond)
	assert.True(t, b.Allow(), "first call after cooldown should be allowed as a probe")
	assert.False(t, b.Allow(), "second concurrent call during half-open probe must be refused")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	b := New(cfg).WithClock(clock)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	clock.advance(cfg.Cooldown + time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()
	state, _ := b.State()
	assert.Equal(t, models.BreakerClosed, state)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := DefaultConfig()
	b := New(cfg).WithClock(clock)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	clock.advance(cfg.Cooldown + time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	state, until := b.State()
	assert.Equal(t, models.BreakerOpen, state)
	assert.Equal(t, clock.now.Add(cfg.Cooldown), until)
}
