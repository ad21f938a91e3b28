package agent

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/internal/advisor"
	"github.com/curtivlad/v2xsim/engine/models"
)

func baseInput() Input {
	return Input{
		Tick:           1,
		OwnHighestRisk: models.RiskLow,
		Advisory:       models.AdvisoryMayGo,
		LeaderTTC:      math.Inf(1),
	}
}

func TestHardOverrideImminentCollisionForcesBrake(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10}, 1)
	in := baseInput()
	in.OwnHighestRisk = models.RiskCollision
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionBrake, d.Action)
}

func TestHardOverrideInsideIntersectionAlwaysClears(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{InsideIntersect: true}, 1)
	in := baseInput()
	in.AtRedLight = true
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionGo, d.Action)
}

func TestHardOverrideStopsAtRedWhenStationary(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 0}, 1)
	in := baseInput()
	in.AtRedLight = true
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionStop, d.Action)
}

func TestPullOverTriggeredByTrailingEmergency(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10}, 1)
	in := baseInput()
	in.TrailingEmergencyNearby = true
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionPullOver, d.Action)
	assert.True(t, a.State.PullingOver)
}

func TestPullOverDefersToClearingIntersectionFirst(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10, InsideIntersect: true}, 1)
	in := baseInput()
	in.TrailingEmergencyNearby = true
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionGo, d.Action)
	assert.False(t, a.State.PullingOver)
}

func TestAdvisorSuccessIsUsedOverAdaptiveRule(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 5}, 1)
	in := baseInput()
	in.AtRedLight = true // adaptive rule would stop; advisor overrides with go
	in.Advise = func(ctx context.Context, c advisor.Context) (models.Decision, error) {
		return models.Decision{Action: models.ActionGo, TargetSpeed: 8, Reason: "advisor says go"}, nil
	}
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionGo, d.Action)
}

func TestAdaptiveRuleFallbackOnNilAdvisor(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 5}, 1)
	in := baseInput()
	in.AtRedLight = true
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionStop, d.Action)
}

func TestAdaptiveRuleBrakesWithinFollowDistance(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10}, 1)
	in := baseInput()
	in.LeaderTTC = 1.0
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionBrake, d.Action)
}

func TestOscillationDamperForcesYieldAfterAlternation(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10}, 1)
	// manufacture an alternating go/stop/go/stop history directly.
	a.recentDecisions = []models.Action{models.ActionGo, models.ActionStop, models.ActionGo, models.ActionStop}
	in := baseInput()
	in.AtRedLight = false
	d := a.Decide(context.Background(), in)
	assert.Equal(t, models.ActionYield, d.Action)
	assert.Equal(t, oscillationDampTicks, a.dampedTicksLeft)
}

func TestDrunkProfileSkipsHardOverrides(t *testing.T) {
	a := New("v1", ProfileDrunk, models.KinematicState{Speed: 10}, 42)
	in := baseInput()
	in.OwnHighestRisk = models.RiskCollision // would force brake for a normal profile
	d := a.Decide(context.Background(), in)
	assert.NotEqual(t, models.ActionBrake, d.Action)
}

func TestDrunkProfileInjectsHeadingNoise(t *testing.T) {
	a := New("v1", ProfileDrunk, models.KinematicState{Speed: 10, Heading: 90}, 7)
	in := baseInput()
	a.Decide(context.Background(), in)
	assert.NotEqual(t, 90.0, a.State.Heading)
}

func TestCommitRecordsNearMissOnHighRisk(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10}, 1)
	in := baseInput()
	in.OwnHighestRisk = models.RiskHigh
	a.Decide(context.Background(), in)
	require.Len(t, a.Memory.NearMiss, 1)
	require.Len(t, a.Memory.Lessons, 1)
}

func TestMemoryBoundedAtCapacity(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{Speed: 10}, 1)
	in := baseInput()
	for i := 0; i < models.MemoryCapacity+10; i++ {
		a.Decide(context.Background(), in)
	}
	assert.LessOrEqual(t, len(a.Memory.Entries), models.MemoryCapacity)
}

func TestFaultCounterDespawnThreshold(t *testing.T) {
	a := New("v1", ProfileNormal, models.KinematicState{}, 1)
	for i := 0; i < faultDespawnCount; i++ {
		a.RegisterDecisionFault()
	}
	assert.True(t, a.ShouldDespawnForFaults())
	a.ResetFaults()
	assert.False(t, a.ShouldDespawnForFaults())
}
