package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/models"
)

func perpendicularConflict(a, b models.Message) bool {
	return headingIsNorthSouth(a.Theta) != headingIsNorthSouth(b.Theta)
}

func TestArrivalQueueOrderedByArrivalTickThenAgentId(t *testing.T) {
	c := New(models.Intersection{ID: "x1"}, perpendicularConflict)
	c.Arrive("z1", 5, 10)
	c.Arrive("a1", 5, 10) // same tick as z1, tie-break by id
	c.Arrive("b1", 5, 5)  // earlier arrival tick

	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"z1": {AgentID: "z1", Theta: 0},
		"a1": {AgentID: "a1", Theta: 0},
		"b1": {AgentID: "b1", Theta: 0},
	}}
	admitted := c.Admit(snap, models.PhaseNSGreen)
	// b1 (tick 5) must be admitted first; with no conflicts all three may
	// be admitted in order since none conflict with itself in occupancy.
	require.Len(t, admitted, 3)
	assert.Equal(t, []models.AgentId{"b1", "a1", "z1"}, admitted)
}

func TestUncontrolledNeverAdmitsConflictingOccupants(t *testing.T) {
	c := New(models.Intersection{ID: "x1", Controlled: false}, perpendicularConflict)
	c.Arrive("ns", 1, 1)
	c.Arrive("ew", 1, 1)

	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"ns": {AgentID: "ns", Theta: 90},
		"ew": {AgentID: "ew", Theta: 0},
	}}
	admitted := c.Admit(snap, models.PhaseNSGreen)
	require.Len(t, admitted, 1)

	snap2 := c.Snapshot()
	assert.Len(t, snap2.Occupancy, 1)
	// the second, conflicting agent remains queued, never both occupying.
	assert.Len(t, snap2.Queue, 1)
}

func TestControlledIntersectionDefersToLight(t *testing.T) {
	c := New(models.Intersection{ID: "x1", Controlled: true}, perpendicularConflict)
	c.Arrive("ew", 1, 1)
	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"ew": {AgentID: "ew", Theta: 0},
	}}
	admitted := c.Admit(snap, models.PhaseNSGreen) // EW has red
	assert.Empty(t, admitted)

	admitted = c.Admit(snap, models.PhaseEWGreen)
	assert.Equal(t, []models.AgentId{"ew"}, admitted)
}

func TestDepartFreesOccupancyForNextInQueue(t *testing.T) {
	c := New(models.Intersection{ID: "x1"}, perpendicularConflict)
	c.Arrive("ns", 1, 1)
	c.Arrive("ew", 1, 2)
	snap := models.Snapshot{Messages: map[models.AgentId]models.Message{
		"ns": {AgentID: "ns", Theta: 90},
		"ew": {AgentID: "ew", Theta: 0},
	}}
	admitted := c.Admit(snap, models.PhaseNSGreen)
	require.Equal(t, []models.AgentId{"ns"}, admitted)

	c.Depart("ns")
	admitted = c.Admit(snap, models.PhaseNSGreen)
	assert.Equal(t, []models.AgentId{"ew"}, admitted)
}
