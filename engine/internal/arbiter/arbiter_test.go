package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/curtivlad/v2xsim/engine/models"
)

func sameZone(models.AgentId) (float64, float64, bool) { return 0, 0, true }

func TestResolveEmergencyPreemptionForcesYield(t *testing.T) {
	ar := New(DefaultConfig())
	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"amb":    {AgentID: "amb", X: 10, Y: 0, IsEmergency: true},
		"normal": {AgentID: "normal", X: 0, Y: 10, Intent: models.IntentThrough},
	}}
	out := ar.Resolve(snap, sameZone)
	assert.Equal(t, models.AdvisoryMustYield, out["normal"])
	assert.Equal(t, models.AdvisoryMayGo, out["amb"])
}

func TestResolveRightOfWayToTheRight(t *testing.T) {
	ar := New(DefaultConfig())
	// a heading east (0 deg), b heading south (270 deg, i.e. -90): b comes
	// from the north, so a is on b's right and b must yield.
	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"a": {AgentID: "a", Theta: 0, Intent: models.IntentThrough},
		"b": {AgentID: "b", Theta: 270, Intent: models.IntentThrough},
	}}
	out := ar.Resolve(snap, sameZone)
	assert.Equal(t, models.AdvisoryMayGo, out["a"])
	assert.Equal(t, models.AdvisoryMustYield, out["b"])
}

func TestResolveOppositeStraightBothGo(t *testing.T) {
	ar := New(DefaultConfig())
	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"a": {AgentID: "a", Theta: 0, Intent: models.IntentThrough},
		"b": {AgentID: "b", Theta: 180, Intent: models.IntentThrough},
	}}
	out := ar.Resolve(snap, sameZone)
	assert.Equal(t, models.AdvisoryMayGo, out["a"])
	assert.Equal(t, models.AdvisoryMayGo, out["b"])
}

func TestResolveNoConflictZoneDefaultsMayGo(t *testing.T) {
	ar := New(DefaultConfig())
	noZone := func(models.AgentId) (float64, float64, bool) { return 0, 0, false }
	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"a": {AgentID: "a"},
	}}
	out := ar.Resolve(snap, noZone)
	assert.Equal(t, models.AdvisoryMayGo, out["a"])
}
