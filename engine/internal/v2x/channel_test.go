package v2x

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curtivlad/v2xsim/engine/models"
)

func signedMsg(signer *Signer, id models.AgentId, v, theta float64, ts time.Time) models.Message {
	m := models.Message{
		AgentID: id, X: 1, Y: 2, V: v, Theta: theta,
		Intent: models.IntentThrough, Decision: models.ActionGo,
		RiskLevel: models.RiskLow, Timestamp: ts,
	}
	m.MAC = signer.Sign(m)
	return m
}

func TestHMACVerifyRoundTrip(t *testing.T) {
	signer := NewSigner([]byte("shared-secret"))
	msg := signedMsg(signer, "a1", 10, 45, time.Unix(1000, 0))
	assert.True(t, signer.Verify(msg))

	flippedPayload := msg
	flippedPayload.X += 0.0001
	assert.False(t, signer.Verify(flippedPayload))

	flippedMAC := msg
	flippedMAC.MAC = "0" + flippedMAC.MAC[1:]
	assert.False(t, signer.Verify(flippedMAC))
}

func TestValidateRejectsInvalidMAC(t *testing.T) {
	signer := NewSigner([]byte("k"))
	filter := NewSecurityFilter(signer, DefaultFilterConfig())
	msg := signedMsg(signer, "a1", 10, 0, time.Unix(1, 0))
	msg.MAC = "deadbeef"
	err := filter.Validate(msg, time.Unix(1, 0))
	assert.ErrorIs(t, err, models.ErrInvalidMAC)
}

func TestValidateRejectsOutOfRangeAndNonFinite(t *testing.T) {
	signer := NewSigner([]byte("k"))
	filter := NewSecurityFilter(signer, DefaultFilterConfig())
	now := time.Unix(1, 0)

	neg := signedMsg(signer, "a1", -1, 0, now)
	assert.ErrorIs(t, filter.Validate(neg, now), models.ErrInvalidRange)

	thetaBoundary := signedMsg(signer, "a1", 0, 360, now)
	assert.ErrorIs(t, filter.Validate(thetaBoundary, now), models.ErrInvalidRange)

	nanMsg := signedMsg(signer, "a1", math.NaN(), 0, now)
	assert.ErrorIs(t, filter.Validate(nanMsg, now), models.ErrInvalidRange)

	infMsg := signedMsg(signer, "a1", math.Inf(1), 0, now)
	assert.ErrorIs(t, filter.Validate(infMsg, now), models.ErrInvalidRange)
}

func TestValidateAcceptsExactLimits(t *testing.T) {
	signer := NewSigner([]byte("k"))
	filter := NewSecurityFilter(signer, DefaultFilterConfig())
	now := time.Unix(1, 0)

	atMax := signedMsg(signer, "a1", VMax, 0, now)
	assert.NoError(t, filter.Validate(atMax, now))
}

func TestValidateStaleTimestampBoundary(t *testing.T) {
	signer := NewSigner([]byte("k"))
	filter := NewSecurityFilter(signer, DefaultFilterConfig())
	base := time.Unix(1000, 0)

	first := signedMsg(signer, "a1", 5, 0, base)
	require.NoError(t, filter.Validate(first, base))

	atLast := signedMsg(signer, "a1", 5, 0, base)
	assert.ErrorIs(t, filter.Validate(atLast, base), models.ErrStaleMessage)

	afterEpsilon := signedMsg(signer, "a1", 5, 0, base.Add(time.Nanosecond))
	assert.NoError(t, filter.Validate(afterEpsilon, base.Add(time.Nanosecond)))
}

func TestValidateRejectsMessageOlderThanStaleWindow(t *testing.T) {
	signer := NewSigner([]byte("k"))
	filter := NewSecurityFilter(signer, DefaultFilterConfig())
	now := time.Unix(1000, 0)
	old := signedMsg(signer, "a1", 5, 0, now.Add(-6*time.Second))
	assert.ErrorIs(t, filter.Validate(old, now), models.ErrStaleMessage)
}

func TestValidateRateLimitsBurst(t *testing.T) {
	signer := NewSigner([]byte("k"))
	cfg := DefaultFilterConfig()
	cfg.BurstCapacity = 2
	cfg.RateLimit = 2
	filter := NewSecurityFilter(signer, cfg)
	base := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		msg := signedMsg(signer, "a1", 5, 0, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, filter.Validate(msg, base))
	}
	third := signedMsg(signer, "a1", 5, 0, base.Add(3*time.Millisecond))
	assert.ErrorIs(t, filter.Validate(third, base), models.ErrRateLimited)
}

func TestSnapshotDeterministicRegardlessOfPublishOrder(t *testing.T) {
	signer := NewSigner([]byte("k"))
	now := time.Unix(2000, 0)

	build := func(order []models.AgentId) models.Snapshot {
		ch := NewChannel(NewSecurityFilter(signer, DefaultFilterConfig()), 10)
		for i, id := range order {
			msg := signedMsg(signer, id, float64(i), 0, now)
			require.NoError(t, ch.Publish(msg, now))
		}
		return ch.Snapshot(1, now)
	}

	snapA := build([]models.AgentId{"a1", "a2", "a3"})
	snapB := build([]models.AgentId{"a3", "a1", "a2"})

	assert.Equal(t, len(snapA.Messages), len(snapB.Messages))
	for id, msg := range snapA.Messages {
		other, ok := snapB.Messages[id]
		require.True(t, ok)
		assert.Equal(t, msg, other)
	}
}

func TestSnapshotPrunesStaleAgents(t *testing.T) {
	signer := NewSigner([]byte("k"))
	ch := NewChannel(NewSecurityFilter(signer, DefaultFilterConfig()), 10)
	t0 := time.Unix(3000, 0)
	msg := signedMsg(signer, "a1", 5, 0, t0)
	require.NoError(t, ch.Publish(msg, t0))

	snap := ch.Snapshot(1, t0.Add(1*time.Second))
	assert.Len(t, snap.Messages, 1)

	snap2 := ch.Snapshot(2, t0.Add(6*time.Second))
	assert.Len(t, snap2.Messages, 0)
}

func TestRejectionStatsCounted(t *testing.T) {
	signer := NewSigner([]byte("k"))
	ch := NewChannel(NewSecurityFilter(signer, DefaultFilterConfig()), 0)
	now := time.Unix(1, 0)
	bad := signedMsg(signer, "a1", -1, 0, now)
	require.Error(t, ch.Publish(bad, now))
	assert.Equal(t, uint64(1), ch.Stats().InvalidRange)
}
