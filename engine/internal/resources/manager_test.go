package resources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedManagerNeverBlocks(t *testing.T) {
	m := NewManager(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Acquire(context.Background()))
	}
	assert.Equal(t, 0, m.InFlight())
}

func TestBoundedManagerLimitsInFlight(t *testing.T) {
	m := NewManager(Config{MaxInFlight: 2})
	require.NoError(t, m.Acquire(context.Background()))
	require.NoError(t, m.Acquire(context.Background()))
	assert.Equal(t, 2, m.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx)
	assert.Error(t, err)
}

func TestReleaseFreesASlot(t *testing.T) {
	m := NewManager(Config{MaxInFlight: 1})
	require.NoError(t, m.Acquire(context.Background()))
	m.Release()
	assert.Equal(t, 0, m.InFlight())
	require.NoError(t, m.Acquire(context.Background()))
	assert.Equal(t, 1, m.InFlight())
}
