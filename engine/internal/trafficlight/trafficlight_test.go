package trafficlight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/models"
)

func TestNormalCycleHasAtMostOneGreenDirection(t *testing.T) {
	l := New(DefaultConfig())
	seen := map[models.Phase]bool{}
	for i := 0; i < 400; i++ {
		seen[l.State().Phase] = true
		l.Advance(0.1)
	}
	assert.True(t, seen[models.PhaseNSGreen])
	assert.True(t, seen[models.PhaseEWGreen])
}

func TestPreemptEntersEmergencyAllRedWithinOneTick(t *testing.T) {
	l := New(DefaultConfig())
	l.Preempt(DirectionEW)
	assert.Equal(t, models.PhaseEmergencyRed, l.State().Phase)
}

func TestPreemptGreensEmergencyDirectionWithinTwoSeconds(t *testing.T) {
	l := New(DefaultConfig())
	l.Preempt(DirectionEW)
	elapsed := 0.0
	for elapsed < 2.0 && l.State().Phase != models.PhaseEWGreen {
		l.Advance(0.1)
		elapsed += 0.1
	}
	assert.Equal(t, models.PhaseEWGreen, l.State().Phase)
	assert.LessOrEqual(t, elapsed, 2.0)
}

func TestClearResumesSuppressedPhaseWithCredit(t *testing.T) {
	l := New(DefaultConfig())
	require.Equal(t, models.PhaseNSGreen, l.State().Phase)
	l.Preempt(DirectionEW)
	l.Advance(EmergencyAllRedDuration + 0.1)
	require.Equal(t, models.PhaseEWGreen, l.State().Phase)

	l.Clear()
	// Clear immediately greens the emergency direction again (it's already
	// green); the suppressed NS phase is credited on its next activation.
	l.Advance(l.State().Remaining + 0.1) // exhaust EW green, enter interlock
	l.Advance(DefaultAllRedInterlock + 0.1) // exhaust interlock, resume NS
	require.Equal(t, models.PhaseNSGreen, l.State().Phase)
	assert.Equal(t, DefaultPhaseDuration+StarvationCredit, l.State().Remaining)
}
