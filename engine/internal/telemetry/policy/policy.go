package policy

// INTERNAL: telemetry policy (moved in C6 step 2b). The engine facade does not expose or use it.

import "time"

// TelemetryPolicy centralizes runtime-tunable telemetry knobs. It is designed to be
// swapped atomically (callers hold an immutable snapshot pointer) to avoid locks
// on hot paths. All durations are expected to be positive; zero values fall back
// to defaults established in Default().
type TelemetryPolicy struct {
    Health  HealthPolicy
    Tracing TracingPolicy
    Events  EventBusPolicy
}

type HealthPolicy struct {
    ProbeTTL               time.Duration
    TickMinSamples         int
    TickDegradedRatio      float64 // fraction of ticks whose dt exceeded nominal
    TickUnhealthyRatio     float64
    AdvisorInFlightDegraded  int // resources.Manager.InFlight() threshold
    AdvisorInFlightUnhealthy int
}

type TracingPolicy struct {
    SamplePercent          float64
    ErrorBoostPercent      float64
    LatencyBoostThresholdMs int64
    LatencyBoostPercent    float64
}

type EventBusPolicy struct {
    MaxSubscriberBuffer int
}

// Default returns a TelemetryPolicy populated with the current heuristics previously
// hard-coded in engine.go (Iteration 4). Adjust carefully; downstream alerting may
// assume these semantics.
func Default() TelemetryPolicy {
    return TelemetryPolicy{
        Health: HealthPolicy{
            ProbeTTL:                 2 * time.Second,
            TickMinSamples:           20,
            TickDegradedRatio:        0.10,
            TickUnhealthyRatio:       0.30,
            AdvisorInFlightDegraded:  8,
            AdvisorInFlightUnhealthy: 16,
        },
        Tracing: TracingPolicy{SamplePercent: 20},
        Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
    }
}

// Normalize ensures sane bounds without mutating original; returns a cleaned copy.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
    c := p
    if c.Health.ProbeTTL <= 0 { c.Health.ProbeTTL = 2 * time.Second }
    if c.Health.TickMinSamples <= 0 { c.Health.TickMinSamples = 20 }
    if c.Health.TickDegradedRatio <= 0 { c.Health.TickDegradedRatio = 0.10 }
    if c.Health.TickUnhealthyRatio <= 0 { c.Health.TickUnhealthyRatio = 0.30 }
    if c.Health.AdvisorInFlightDegraded <= 0 { c.Health.AdvisorInFlightDegraded = 8 }
    if c.Health.AdvisorInFlightUnhealthy <= 0 { c.Health.AdvisorInFlightUnhealthy = 16 }
    if c.Tracing.SamplePercent < 0 { c.Tracing.SamplePercent = 0 }
    if c.Tracing.SamplePercent > 100 { c.Tracing.SamplePercent = 100 }
    if c.Events.MaxSubscriberBuffer <= 0 { c.Events.MaxSubscriberBuffer = 1024 }
    return c
}

