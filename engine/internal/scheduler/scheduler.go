// Package scheduler drives the fixed-rate tick loop: a single-writer
// apply phase around a parallel agent-decision fan-out. Phase ordering
// and wall-clock dt capping are owned here; every domain effect (V2X,
// lights, coordinator, collision, agents) is injected as a Hooks
// callback so this package stays domain-agnostic. The worker-pool
// fan-out (unbuffered job channel + sync.WaitGroup, context-cancellable)
// is grounded on the multi-stage worker pools in the teacher's pipeline
// stage workers, generalized from per-stage channels to a single
// generic job/worker pair.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// DefaultTickRate is the nominal tick frequency (20 Hz).
const DefaultTickRate = 20

// Config controls the scheduler's pacing.
type Config struct {
	TickRate      int     // ticks per second
	MaxDtMultiple float64 // wall-clock dt is capped at MaxDtMultiple * nominal dt
}

// DefaultConfig returns the spec's nominal pacing: 20 Hz, dt capped at 2x.
func DefaultConfig() Config {
	return Config{TickRate: DefaultTickRate, MaxDtMultiple: 2.0}
}

func (c Config) nominalDt() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Clock abstracts wall-clock time so tests can drive the scheduler
// without sleeping for real ticks.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TickContext carries the current tick number, wall time, and capped dt
// (seconds) to every phase hook.
type TickContext struct {
	Tick uint64
	Now  time.Time
	Dt   float64
}

// Hooks is the ordered phase set the scheduler invokes once per tick:
// collect broadcasts, advance infrastructure (lights, coordinator admission),
// compute collisions/priority, decide agents (parallel, over an immutable
// snapshot), apply safety overrides, integrate kinematics, export state.
// Any hook left nil is skipped.
type Hooks struct {
	CollectBroadcasts func(TickContext)
	AdvanceInfra      func(TickContext)
	ComputePriority   func(TickContext)
	DecideAgents      func(context.Context, TickContext)
	ApplyOverrides    func(TickContext)
	Integrate         func(TickContext)
	Export            func(TickContext)
}

// Scheduler runs Hooks at a fixed rate until its context is canceled.
type Scheduler struct {
	cfg   Config
	clock Clock
	tick  uint64
}

// New builds a Scheduler with the real wall clock.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, clock: realClock{}}
}

// WithClock overrides the clock, for deterministic tests.
func (s *Scheduler) WithClock(c Clock) *Scheduler {
	s.clock = c
	return s
}

// Tick returns the current tick counter (0 before the first tick runs).
func (s *Scheduler) Tick() uint64 { return s.tick }

// Run drives ticks until ctx is canceled, returning ctx.Err().
func (s *Scheduler) Run(ctx context.Context, hooks Hooks) error {
	nominal := s.cfg.nominalDt()
	ticker := time.NewTicker(nominal)
	defer ticker.Stop()

	last := s.clock.Now()
	maxDt := nominal.Seconds() * s.cfg.MaxDtMultiple
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			if dt > maxDt {
				dt = maxDt
			}
			last = now
			s.tick++
			s.runOnce(ctx, hooks, dt, now)
		}
	}
}

// RunOnce executes exactly one tick immediately, bypassing the ticker.
// Used by tests and by a caller driving ticks explicitly (e.g. a
// deterministic test harness that wants bit-exact tick boundaries).
func (s *Scheduler) RunOnce(ctx context.Context, hooks Hooks, dt float64) {
	s.tick++
	s.runOnce(ctx, hooks, dt, s.clock.Now())
}

func (s *Scheduler) runOnce(ctx context.Context, hooks Hooks, dt float64, now time.Time) {
	tc := TickContext{Tick: s.tick, Now: now, Dt: dt}
	call := func(h func(TickContext)) {
		if h != nil {
			h(tc)
		}
	}
	call(hooks.CollectBroadcasts)
	call(hooks.AdvanceInfra)
	call(hooks.ComputePriority)
	if hooks.DecideAgents != nil {
		hooks.DecideAgents(ctx, tc)
	}
	call(hooks.ApplyOverrides)
	call(hooks.Integrate)
	call(hooks.Export)
}

// WorkerCount returns min(hardware parallelism, agentCount), at least 1,
// for sizing the agent-decision fan-out pool.
func WorkerCount(agentCount int) int {
	if agentCount < 1 {
		return 1
	}
	n := runtime.GOMAXPROCS(0)
	if agentCount < n {
		return agentCount
	}
	return n
}

// RunParallel fans work out over a bounded worker pool and blocks until
// every item has been processed or ctx is canceled. A canceled ctx stops
// new items from starting but never blocks waiting for in-flight work
// it didn't start.
func RunParallel[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T)) {
	if len(items) == 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan T)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for it := range jobs {
				fn(ctx, it)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, it := range items {
			select {
			case jobs <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()
}
