package scheduler

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOncePhaseOrdering(t *testing.T) {
	var order []string
	record := func(name string) func(TickContext) {
		return func(TickContext) { order = append(order, name) }
	}
	s := New(DefaultConfig())
	hooks := Hooks{
		CollectBroadcasts: record("broadcast"),
		AdvanceInfra:      record("infra"),
		ComputePriority:   record("priority"),
		DecideAgents:      func(context.Context, TickContext) { order = append(order, "decide") },
		ApplyOverrides:    record("override"),
		Integrate:         record("integrate"),
		Export:            record("export"),
	}
	s.RunOnce(context.Background(), hooks, 0.05)
	assert.Equal(t, []string{"broadcast", "infra", "priority", "decide", "override", "integrate", "export"}, order)
}

func TestRunOnceIncrementsTick(t *testing.T) {
	s := New(DefaultConfig())
	s.RunOnce(context.Background(), Hooks{}, 0.05)
	s.RunOnce(context.Background(), Hooks{}, 0.05)
	assert.Equal(t, uint64(2), s.Tick())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(Config{TickRate: 1000, MaxDtMultiple: 2})
	var ticks int64
	hooks := Hooks{Export: func(TickContext) { atomic.AddInt64(&ticks, 1) }}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, hooks)
	require.Error(t, err)
	assert.True(t, atomic.LoadInt64(&ticks) > 0)
}

func TestWorkerCountBoundedByAgentsAndCPUs(t *testing.T) {
	assert.Equal(t, 1, WorkerCount(0))
	assert.Equal(t, 1, WorkerCount(1))
	assert.Equal(t, runtime.GOMAXPROCS(0), WorkerCount(100000))
}

func TestRunParallelProcessesAllItems(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	var sum int64
	RunParallel(context.Background(), items, 3, func(ctx context.Context, i int) {
		atomic.AddInt64(&sum, int64(i))
	})
	assert.Equal(t, int64(36), sum)
}

func TestRunParallelStopsStartingNewItemsOnCancel(t *testing.T) {
	items := make([]int, 1000)
	for i := range items {
		items[i] = i
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var processed int64
	RunParallel(ctx, items, 4, func(ctx context.Context, i int) {
		atomic.AddInt64(&processed, 1)
	})
	assert.Less(t, atomic.LoadInt64(&processed), int64(len(items)))
}
