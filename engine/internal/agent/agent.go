// Package agent implements the vehicle decision function: perception
// digest, hard safety pre-overrides, an optional breaker-guarded advisor
// call, a deterministic adaptive-rule fallback, an oscillation damper, the
// pull-over maneuver, and the drunk-driver adversarial variant. Agent
// polymorphism is a tagged Profile over one decision function, per the
// spec's design note — no class hierarchy.
package agent

import (
	"context"
	"math"
	"math/rand"

	"github.com/curtivlad/v2xsim/engine/internal/advisor"
	"github.com/curtivlad/v2xsim/engine/models"
)

// Profile tags which behavior variant an agent runs.
type Profile int

const (
	ProfileNormal Profile = iota
	ProfileEmergency
	ProfilePolice
	ProfileDrunk
)

const (
	speedLimit           = 13.0 // m/s, ~47 km/h, used by the adaptive rule's "go at limit"
	followDistanceTTC    = 2.0  // seconds
	oscillationWindow    = 4
	oscillationDampTicks = 2
	pullOverTriggerRange = 60.0 // meters
	faultDespawnCount    = 5
)

// Agent owns its kinematic state, bounded memory, and decision history.
// It is created on spawn and destroyed on despawn by the owner (the
// traffic driver / simulation manager); it never outlives its id.
type Agent struct {
	ID      models.AgentId
	Profile Profile
	State   models.KinematicState
	Memory  models.AgentMemory

	recentDecisions  []models.Action
	dampedTicksLeft  int
	consecutiveFaults int
	advisorCalls     int
	rng              *rand.Rand
}

// New constructs an agent with empty memory and the given starting state.
// rngSeed only matters for ProfileDrunk, which injects reproducible noise.
func New(id models.AgentId, profile Profile, state models.KinematicState, rngSeed int64) *Agent {
	return &Agent{ID: id, Profile: profile, State: state, rng: rand.New(rand.NewSource(rngSeed))}
}

// Input bundles everything the decision function needs for one tick.
// Perception (neighbor search, leader lookup) is computed by the caller
// (scheduler/traffic driver) so this package stays geometry-agnostic.
type Input struct {
	Tick                     uint64
	Snapshot                 models.Snapshot
	Advisory                 models.Advisory
	OwnHighestRisk           models.RiskLevel // worst risk among pairs involving this agent this tick
	NearestPeers             []models.Message
	AtRedLight               bool
	LightPhase               models.Phase
	LeaderTTC                float64 // +Inf if no forward leader
	TrailingEmergencyNearby  bool
	Advise                   func(ctx context.Context, c advisor.Context) (models.Decision, error)
}

// ConsecutiveFaults reports how many tick-over-tick decision faults this
// agent has accrued; the caller despawns it once this reaches
// faultDespawnCount, per the spec's repeated-fault rule.
func (a *Agent) ConsecutiveFaults() int { return a.consecutiveFaults }

// Decide runs the full per-tick pipeline and returns this tick's Decision.
// It never panics on its own account; any internal fault is converted to
// models.ErrAgentDecisionFault handling (force stop, increment fault
// counter) by the caller wrapping this in a recover. Decide updates the
// agent's own memory, decision history and damper state via commit.
func (a *Agent) Decide(ctx context.Context, in Input) models.Decision {
	if a.Profile == ProfileDrunk {
		return a.decideDrunk(ctx, in)
	}

	if d, overridden := a.hardPreOverride(in); overridden {
		a.commit(in.Tick, d, in)
		return d
	}

	d := a.decideWithAdvisorOrFallback(ctx, in)
	d = a.applyOscillationDamper(d)
	a.commit(in.Tick, d, in)
	return d
}

// hardPreOverride evaluates the non-bypassable safety rules, in priority
// order. These never consult the advisor.
func (a *Agent) hardPreOverride(in Input) (models.Decision, bool) {
	if a.State.InsideIntersect {
		return models.Decision{Action: models.ActionGo, TargetSpeed: speedLimit, Reason: "clearing intersection"}, true
	}
	if in.AtRedLight && a.State.Speed < 0.1 && !a.State.InsideIntersect {
		return models.Decision{Action: models.ActionStop, TargetSpeed: 0, Reason: "red light at stop line"}, true
	}
	if in.OwnHighestRisk == models.RiskCollision {
		return models.Decision{Action: models.ActionBrake, TargetSpeed: 0, Reason: "imminent collision"}, true
	}
	if in.TrailingEmergencyNearby {
		return a.pullOverDecision(), true
	}
	if in.Advisory == models.AdvisoryMustYield {
		return models.Decision{Action: models.ActionYield, TargetSpeed: 0, Reason: "yielding to emergency preemption"}, true
	}
	return models.Decision{}, false
}

// pullOverDecision implements the pull-over maneuver: clear the
// intersection first if already inside it, otherwise decelerate and move
// to the lane edge.
func (a *Agent) pullOverDecision() models.Decision {
	if a.State.InsideIntersect {
		return models.Decision{Action: models.ActionGo, TargetSpeed: speedLimit, Reason: "clearing intersection before pulling over"}
	}
	a.State.PullingOver = true
	return models.Decision{Action: models.ActionPullOver, TargetSpeed: a.State.Speed * 0.5, Reason: "pulling over for trailing emergency vehicle"}
}

// decideWithAdvisorOrFallback calls the advisor when available and falls
// back to the deterministic adaptive rule on any failure (breaker open,
// timeout, malformed response) or when no advisor is configured.
func (a *Agent) decideWithAdvisorOrFallback(ctx context.Context, in Input) models.Decision {
	if in.Advise != nil {
		advCtx := advisor.Context{
			Self:         a.State,
			SelfID:       a.ID,
			NearestPeers: in.NearestPeers,
			Advisory:     in.Advisory,
			MemoryDigest: digest(a.Memory),
		}
		if d, err := in.Advise(ctx, advCtx); err == nil {
			a.advisorCalls++
			return d
		}
	}
	return a.adaptiveRule(in)
}

// adaptiveRule is the deterministic cascade: follow-distance, stop-for-
// red, yield-per-priority, else go at the speed limit.
func (a *Agent) adaptiveRule(in Input) models.Decision {
	if in.LeaderTTC < followDistanceTTC {
		return models.Decision{Action: models.ActionBrake, TargetSpeed: a.State.Speed * 0.6, Reason: "following distance too close"}
	}
	if in.AtRedLight {
		return models.Decision{Action: models.ActionStop, TargetSpeed: 0, Reason: "adaptive rule: stop for red"}
	}
	if in.Advisory == models.AdvisoryMustYield {
		return models.Decision{Action: models.ActionYield, TargetSpeed: 0, Reason: "adaptive rule: yield per priority"}
	}
	return models.Decision{Action: models.ActionGo, TargetSpeed: speedLimit, Reason: "adaptive rule: proceed at limit"}
}

// applyOscillationDamper forces yield for oscillationDampTicks ticks once
// the last oscillationWindow decisions alternate go/stop/go/stop.
func (a *Agent) applyOscillationDamper(d models.Decision) models.Decision {
	if a.dampedTicksLeft > 0 {
		a.dampedTicksLeft--
		return models.Decision{Action: models.ActionYield, TargetSpeed: 0, Reason: "oscillation damper"}
	}
	hist := append(append([]models.Action{}, a.recentDecisions...), d.Action)
	if isAlternatingGoStop(hist) {
		a.dampedTicksLeft = oscillationDampTicks
		return models.Decision{Action: models.ActionYield, TargetSpeed: 0, Reason: "oscillation damper"}
	}
	return d
}

func isAlternatingGoStop(hist []models.Action) bool {
	if len(hist) < oscillationWindow {
		return false
	}
	tail := hist[len(hist)-oscillationWindow:]
	for i, act := range tail {
		want := models.ActionGo
		if i%2 == 1 {
			want = models.ActionStop
		}
		wantAlt := models.ActionStop
		if i%2 == 1 {
			wantAlt = models.ActionGo
		}
		if act != want && act != wantAlt {
			return false
		}
	}
	// require it actually alternates, not a constant run of one action
	for i := 1; i < len(tail); i++ {
		if tail[i] == tail[i-1] {
			return false
		}
	}
	return true
}

// decideDrunk implements the adversarial variant: safety pre-overrides
// and the oscillation damper are suppressed for this agent only; heading
// noise, probabilistic signal disregard, and speed transients are
// injected instead. Peers still apply all of their own overrides against
// this agent's broadcast state.
func (a *Agent) decideDrunk(ctx context.Context, in Input) models.Decision {
	a.State.Heading = math.Mod(a.State.Heading+a.rng.NormFloat64()*8, 360)
	if a.State.Heading < 0 {
		a.State.Heading += 360
	}

	ignoresSignal := a.rng.Float64() < 0.70
	var d models.Decision
	switch {
	case in.AtRedLight && !ignoresSignal:
		d = models.Decision{Action: models.ActionStop, TargetSpeed: 0, Reason: "drunk: happened to stop"}
	default:
		speed := speedLimit * (0.6 + a.rng.Float64()*0.8)
		d = models.Decision{Action: models.ActionGo, TargetSpeed: speed, Reason: "drunk: erratic proceed"}
	}
	a.commit(in.Tick, d, in)
	return d
}

// commit records the decision into bounded memory and near-miss history,
// and updates the oscillation-damper window. It is the only place Decide
// mutates persistent agent state.
func (a *Agent) commit(tick uint64, d models.Decision, in Input) {
	a.Memory.Append(models.MemoryEntry{Tick: tick, Decision: d.Action, Reason: d.Reason})
	a.recentDecisions = append(a.recentDecisions, d.Action)
	if len(a.recentDecisions) > oscillationWindow {
		a.recentDecisions = a.recentDecisions[len(a.recentDecisions)-oscillationWindow:]
	}
	if in.OwnHighestRisk == models.RiskHigh || in.OwnHighestRisk == models.RiskCollision {
		nm := models.NearMiss{Tick: tick, X: a.State.X, Y: a.State.Y}
		a.Memory.RecordNearMiss(nm)
		a.Memory.Lessons = append(a.Memory.Lessons, deriveLesson(nm))
		if len(a.Memory.Lessons) > models.MemoryCapacity {
			a.Memory.Lessons = a.Memory.Lessons[len(a.Memory.Lessons)-models.MemoryCapacity:]
		}
	}
}

// RegisterDecisionFault increments the consecutive-fault counter on a
// caught AgentDecisionFault; ResetFaults clears it after a normal tick.
func (a *Agent) RegisterDecisionFault() { a.consecutiveFaults++ }

// ResetFaults clears the consecutive-fault counter after a normal tick.
func (a *Agent) ResetFaults() { a.consecutiveFaults = 0 }

// ShouldDespawnForFaults reports whether repeated faults require despawn.
func (a *Agent) ShouldDespawnForFaults() bool { return a.consecutiveFaults >= faultDespawnCount }

// AdvisorCalls reports how many advisor calls of this agent returned a
// decision; breaker-rejected, timed-out and failed attempts do not count.
func (a *Agent) AdvisorCalls() int { return a.advisorCalls }
