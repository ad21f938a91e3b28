// Package models holds the data types shared across the simulation kernel:
// kinematic state, V2X wire messages, agent memory, intersections, and the
// sanitized documents exported to callers. No package outside models may
// define these shapes; everything else references them by value or id.
package models

import (
	"errors"
	"math"
	"time"
)

// AgentId is an opaque identifier, unique among currently active agents.
type AgentId string

// Intent is the lane-relative maneuver a vehicle is currently pursuing.
type Intent string

const (
	IntentThrough Intent = "through"
	IntentLeft    Intent = "left"
	IntentRight   Intent = "right"
)

// Action is the action component of a Decision.
type Action string

const (
	ActionGo       Action = "go"
	ActionYield    Action = "yield"
	ActionBrake    Action = "brake"
	ActionStop     Action = "stop"
	ActionPullOver Action = "pull_over"
)

// RiskLevel classifies a predicted collision pair.
type RiskLevel string

const (
	RiskLow       RiskLevel = "low"
	RiskMedium    RiskLevel = "medium"
	RiskHigh      RiskLevel = "high"
	RiskCollision RiskLevel = "collision"
)

// Advisory is the priority arbiter's per-agent output.
type Advisory string

const (
	AdvisoryMustYield Advisory = "must_yield"
	AdvisoryMayGo     Advisory = "may_go"
)

// KinematicState is a vehicle's full physical and intent state at a tick.
type KinematicState struct {
	X, Y             float64
	Heading          float64 // degrees, [0,360)
	Speed            float64 // m/s, >= 0
	Waypoints        []Waypoint
	Intent           Intent
	IsEmergency      bool
	IsPolice         bool
	IsDrunk          bool
	InsideIntersect  bool
	PullingOver      bool
	Background       bool // background-traffic agent: weaker export visibility
}

// Waypoint is a single planned stop along an agent's route.
type Waypoint struct {
	X, Y float64
}

// Finite reports whether x,y,heading,speed are all finite numbers.
func (k KinematicState) Finite() bool {
	return isFinite(k.X) && isFinite(k.Y) && isFinite(k.Heading) && isFinite(k.Speed)
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Message is the signed V2X broadcast payload. MAC is computed over the
// canonical serialization of every other field (see internal/v2x/canonical.go).
type Message struct {
	AgentID     AgentId
	X, Y        float64
	V           float64
	Theta       float64
	Intent      Intent
	Decision    Action
	RiskLevel   RiskLevel
	IsEmergency bool
	Timestamp   time.Time
	MAC         string
}

// Snapshot is an immutable per-tick view of the channel: the latest
// validated message from every agent with current liveness.
type Snapshot struct {
	Tick     uint64
	Time     time.Time
	Messages map[AgentId]Message
}

// MemoryEntry is one bounded record of a past decision and its outcome.
type MemoryEntry struct {
	Tick     uint64
	Context  string
	Decision Action
	Reason   string
	Outcome  string
}

// NearMiss records a peer encounter that crossed into RiskHigh or worse.
type NearMiss struct {
	PeerID   AgentId
	TTC      float64
	X, Y     float64
	Tick     uint64
}

// AgentMemory is the bounded per-agent history the decision function
// consults and appends to every tick. Capacity is enforced by the owner
// (internal/agent), never by the caller.
type AgentMemory struct {
	Entries   []MemoryEntry
	NearMiss  []NearMiss
	Lessons   []string
}

const MemoryCapacity = 20

// Append pushes an entry, evicting the oldest once capacity is exceeded.
func (m *AgentMemory) Append(e MemoryEntry) {
	m.Entries = append(m.Entries, e)
	if len(m.Entries) > MemoryCapacity {
		m.Entries = m.Entries[len(m.Entries)-MemoryCapacity:]
	}
}

// RecordNearMiss appends a near-miss, bounded the same way as Entries.
func (m *AgentMemory) RecordNearMiss(n NearMiss) {
	m.NearMiss = append(m.NearMiss, n)
	if len(m.NearMiss) > MemoryCapacity {
		m.NearMiss = m.NearMiss[len(m.NearMiss)-MemoryCapacity:]
	}
}

// CollisionPair is a deduplicated, risk-classified predicted encounter.
// A < B always holds lexicographically.
type CollisionPair struct {
	A, B Agent2 // kept as AgentId pair; see NewCollisionPair
	TTC  float64
	Risk RiskLevel
}

// Agent2 is an alias kept local to CollisionPair for readability at call sites.
type Agent2 = AgentId

// NewCollisionPair orders a, b so the lexicographically smaller id is first.
func NewCollisionPair(a, b AgentId, ttc float64, risk RiskLevel) CollisionPair {
	if a > b {
		a, b = b, a
	}
	return CollisionPair{A: a, B: b, TTC: ttc, Risk: risk}
}

// Phase is a traffic-light phase variant.
type Phase string

const (
	PhaseNSGreen       Phase = "NS_GREEN"
	PhaseEWGreen       Phase = "EW_GREEN"
	PhaseEmergencyRed  Phase = "EMERGENCY_ALL_RED"
)

// TrafficPhase is the current light state plus remaining seconds in phase.
type TrafficPhase struct {
	Phase     Phase
	Remaining float64
}

// Intersection is the coordinator's per-intersection bookkeeping.
type Intersection struct {
	ID         string
	CenterX    float64
	CenterY    float64
	Controlled bool
	Occupancy  map[AgentId]struct{}
	Queue      []QueueEntry
	Light      TrafficPhase
}

// QueueEntry orders arrivals at an intersection; ties break by AgentId.
type QueueEntry struct {
	AgentID    AgentId
	ArrivalTick uint64
}

// Decision is the output of an agent's decision function for one tick.
type Decision struct {
	Action      Action
	TargetSpeed float64
	Reason      string
}

// BreakerState is the circuit breaker's variant state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "Closed"
	case BreakerOpen:
		return "Open"
	case BreakerHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Sentinel errors for the channel, breaker, advisor, and coordinator —
// mirrors the error-kind catalogue: all are local to a single call and
// never propagate beyond the boundary that produced them.
var (
	ErrInvalidMAC                  = errors.New("v2x: invalid mac")
	ErrInvalidRange                = errors.New("v2x: numeric field out of range or non-finite")
	ErrStaleMessage                = errors.New("v2x: stale or non-monotonic timestamp")
	ErrRateLimited                 = errors.New("v2x: agent exceeded broadcast rate")
	ErrBreakerOpen                 = errors.New("advisor: circuit breaker open")
	ErrAdvisorTimeout              = errors.New("advisor: timed out")
	ErrAdvisorMalformed            = errors.New("advisor: malformed response")
	ErrAgentDecisionFault          = errors.New("agent: decision fault")
	ErrCoordinatorInvariantViolation = errors.New("coordinator: invariant violation")
)

// ExportedState is the sanitized document returned by export_state(); the
// only representation of simulation state visible outside the manager.
type ExportedState struct {
	Running  bool                        `json:"running"`
	Scenario string                      `json:"scenario"`
	Tick     uint64                      `json:"tick"`
	T        float64                     `json:"t"`
	Agents   map[AgentId]ExportedAgent   `json:"agents"`
	Infra    map[string]ExportedInfra    `json:"infrastructure"`
	Pairs    []ExportedCollisionPair     `json:"collision_pairs"`
	Grid     ExportedGrid                `json:"grid"`
	Stats    ExportedStats               `json:"stats"`
}

// ExportedAgent is the per-agent view inside ExportedState.
type ExportedAgent struct {
	X                float64   `json:"x"`
	Y                float64   `json:"y"`
	V                float64   `json:"v"`
	Theta            float64   `json:"theta"`
	Decision         Action    `json:"decision"`
	Reason           string    `json:"reason"`
	RiskLevel        RiskLevel `json:"risk_level"`
	IsEmergency      bool      `json:"is_emergency"`
	IsPolice         bool      `json:"is_police"`
	IsDrunk          bool      `json:"is_drunk"`
	PullingOver      bool      `json:"pulling_over"`
	InsideIntersect  bool      `json:"inside_intersection"`
	LLMCalls         int       `json:"llm_calls"`
}

// ExportedInfra is the per-intersection infrastructure view.
type ExportedInfra struct {
	Phase           Phase   `json:"phase"`
	PhaseRemaining  float64 `json:"phase_remaining"`
}

// ExportedCollisionPair is the wire shape of a CollisionPair.
type ExportedCollisionPair struct {
	Agent1 AgentId   `json:"agent1"`
	Agent2 AgentId   `json:"agent2"`
	TTC    float64   `json:"ttc"`
	Risk   RiskLevel `json:"risk"`
}

// ExportedGrid describes the intersection layout.
type ExportedGrid struct {
	Intersections     []ExportedPoint `json:"intersections"`
	GridSpacing       float64         `json:"grid_spacing"`
	DemoIntersection  string          `json:"demo_intersection"`
	Cols              int             `json:"cols"`
	Rows              int             `json:"rows"`
}

// ExportedPoint is a bare coordinate, used for intersection centers.
type ExportedPoint struct {
	X, Y float64
}

// ExportedStats carries the telemetry-facing scalar rollups.
type ExportedStats struct {
	ElapsedTime          float64 `json:"elapsed_time"`
	CollisionsPrevented  int     `json:"collisions_prevented"`
	CooperationScore     float64 `json:"cooperation_score"`
}
