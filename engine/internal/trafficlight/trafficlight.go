// Package trafficlight implements the infrastructure agent's phase state
// machine: normal NS/EW cycling, emergency all-red preemption, and
// no-starvation credit after a suppressed phase resumes. Structured as an
// explicit variant type, in the small-state-machine style the teacher uses
// for its breaker/hot-reload state (engine/internal/breaker,
// engine/internal/scenario) rather than embedding booleans.
package trafficlight

import (
	"github.com/curtivlad/v2xsim/engine/models"
)

const (
	DefaultPhaseDuration    = 15.0 // seconds, NS_GREEN / EW_GREEN
	DefaultAllRedInterlock  = 2.0  // seconds, between normal phase swaps
	EmergencyAllRedDuration = 1.0  // seconds, before greening the emergency direction
	StarvationCredit        = 5.0  // seconds, added to the suppressed phase on resume
)

// Config tunes phase durations.
type Config struct {
	PhaseDuration   float64
	AllRedInterlock float64
}

// DefaultConfig returns the spec's default durations.
func DefaultConfig() Config {
	return Config{PhaseDuration: DefaultPhaseDuration, AllRedInterlock: DefaultAllRedInterlock}
}

// Direction identifies which approach a vehicle is on, for emergency
// preemption routing.
type Direction int

const (
	DirectionNS Direction = iota
	DirectionEW
)

// Light is one intersection's traffic-light state machine. All mutation
// happens through Advance, called once per tick from the apply phase.
type Light struct {
	cfg Config

	phase     models.Phase
	remaining float64

	interlocking    bool // true while paying the all-red interlock between normal phases
	emergencyActive bool
	emergencyDir    Direction
	resumePhase     models.Phase
	resumeRemaining float64
	pendingCredit   models.Phase // phase that should receive +StarvationCredit on its next activation
}

// New constructs a light starting in NS_GREEN.
func New(cfg Config) *Light {
	return &Light{cfg: cfg, phase: models.PhaseNSGreen, remaining: cfg.PhaseDuration}
}

// State returns the current phase and remaining seconds.
func (l *Light) State() models.TrafficPhase {
	return models.TrafficPhase{Phase: l.phase, Remaining: l.remaining}
}

// GreenDirection reports which direction currently has the green, if any.
func (l *Light) GreenDirection() (Direction, bool) {
	switch l.phase {
	case models.PhaseNSGreen:
		return DirectionNS, true
	case models.PhaseEWGreen:
		return DirectionEW, true
	default:
		return 0, false
	}
}

// Preempt forces the light into EMERGENCY_ALL_RED for EmergencyAllRedDuration
// seconds, then transitions to the phase that greens dir. It is idempotent
// while already preempting the same direction.
func (l *Light) Preempt(dir Direction) {
	if l.emergencyActive && l.emergencyDir == dir {
		return
	}
	if !l.emergencyActive {
		l.resumePhase = l.phase
		l.resumeRemaining = l.remaining
	}
	l.emergencyActive = true
	l.emergencyDir = dir
	l.phase = models.PhaseEmergencyRed
	l.remaining = EmergencyAllRedDuration
	l.interlocking = false
}

// Clear signals the preempting emergency vehicle has left the
// intersection; the light resumes its previous cycle, crediting the
// phase that was suppressed with +StarvationCredit seconds.
func (l *Light) Clear() {
	if !l.emergencyActive {
		return
	}
	l.emergencyActive = false
	suppressed := l.resumePhase
	l.phase = greenPhaseFor(l.emergencyDir)
	l.remaining = l.cfg.PhaseDuration
	l.pendingCredit = suppressed
}

func greenPhaseFor(dir Direction) models.Phase {
	if dir == DirectionNS {
		return models.PhaseNSGreen
	}
	return models.PhaseEWGreen
}

// Advance steps the light forward by dt seconds. Called once per tick.
func (l *Light) Advance(dt float64) {
	if l.emergencyActive {
		if l.phase == models.PhaseEmergencyRed {
			l.remaining -= dt
			if l.remaining <= 0 {
				l.phase = greenPhaseFor(l.emergencyDir)
				l.remaining = l.cfg.PhaseDuration
			}
		}
		return
	}

	l.remaining -= dt
	if l.remaining > 0 {
		return
	}

	if l.interlocking {
		l.interlocking = false
		l.phase = nextNormalPhase(l.resumePhase)
		l.remaining = l.cfg.PhaseDuration
		if l.pendingCredit == l.phase {
			l.remaining += StarvationCredit
			l.pendingCredit = ""
		}
		return
	}

	l.interlocking = true
	l.resumePhase = l.phase
	l.phase = models.PhaseEmergencyRed // reused as the normal all-red interlock
	l.remaining = l.cfg.AllRedInterlock
}

func nextNormalPhase(current models.Phase) models.Phase {
	if current == models.PhaseNSGreen {
		return models.PhaseEWGreen
	}
	return models.PhaseNSGreen
}
