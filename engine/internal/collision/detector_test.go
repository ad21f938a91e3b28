package collision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/models"
)

func msg(id models.AgentId, x, y, v, theta float64) models.Message {
	return models.Message{AgentID: id, X: x, Y: y, V: v, Theta: theta, Timestamp: time.Now()}
}

func snapOf(msgs ...models.Message) models.Snapshot {
	m := make(map[models.AgentId]models.Message, len(msgs))
	for _, x := range msgs {
		m[x.AgentID] = x
	}
	return models.Snapshot{Tick: 1, Messages: m}
}

func TestDetectClassifiesImminentCollision(t *testing.T) {
	d := New(DefaultConfig())
	a := msg("a", 0, 0, 10, 0)   // heading east
	b := msg("b", 50, 0, 10, 180) // heading west, closing at 20 m/s
	pairs := d.Detect(snapOf(a, b))
	require.Len(t, pairs, 1)
	assert.Equal(t, models.AgentId("a"), pairs[0].A)
	assert.Equal(t, models.AgentId("b"), pairs[0].B)
	assert.Contains(t, []models.RiskLevel{models.RiskHigh, models.RiskCollision, models.RiskMedium}, pairs[0].Risk)
}

func TestDetectParallelTrajectoriesAreLowRisk(t *testing.T) {
	d := New(DefaultConfig())
	a := msg("a", 0, 0, 10, 0)
	b := msg("b", 0, 10, 10, 0) // same heading and speed, offset laterally
	pairs := d.Detect(snapOf(a, b))
	assert.Empty(t, pairs) // low risk pairs are not emitted
}

func TestDetectZeroRelativeSpeedOverlappingIsImmediateCollision(t *testing.T) {
	d := New(DefaultConfig())
	a := msg("a", 0, 0, 0, 0)
	b := msg("b", 1, 0, 0, 0) // stationary, within collision radius
	pairs := d.Detect(snapOf(a, b))
	require.Len(t, pairs, 1)
	assert.Equal(t, models.RiskCollision, pairs[0].Risk)
	assert.Equal(t, 0.0, pairs[0].TTC)
}

func TestDetectPrefilterExcludesFarAgents(t *testing.T) {
	d := New(DefaultConfig())
	a := msg("a", 0, 0, 30, 0)
	b := msg("b", 500, 0, 30, 180)
	pairs := d.Detect(snapOf(a, b))
	assert.Empty(t, pairs)
}

func TestDetectOrdersPairsLexicographically(t *testing.T) {
	d := New(DefaultConfig())
	a := msg("z1", 0, 0, 10, 0)
	b := msg("a1", 20, 0, 10, 180)
	pairs := d.Detect(snapOf(a, b))
	require.Len(t, pairs, 1)
	assert.Less(t, string(pairs[0].A), string(pairs[0].B))
}

func TestDetectSharedAgentBothPairsReported(t *testing.T) {
	d := New(DefaultConfig())
	a := msg("a", 0, 0, 10, 0)
	b := msg("b", 20, 0, 10, 180)
	c := msg("c", 0, 5, 10, 0)
	pairs := d.Detect(snapOf(a, b, c))
	seen := map[string]bool{}
	for _, p := range pairs {
		seen[string(p.A)+string(p.B)] = true
	}
	assert.True(t, len(pairs) >= 1)
}
