// Package arbiter resolves right-of-way and emergency preemption over a
// channel snapshot, producing a per-agent advisory the decision function
// consumes. Pure rule evaluation; no external dependency applies here.
package arbiter

import (
	"math"

	"github.com/curtivlad/v2xsim/engine/models"
)

// DefaultPreemptionRadius is D_pre: the distance within which an emergency
// vehicle preempts right-of-way for peers in its conflict zone.
const DefaultPreemptionRadius = 60.0 // meters

// Config tunes the arbiter's preemption radius.
type Config struct {
	PreemptionRadius float64
}

// DefaultConfig returns the spec's default D_pre.
func DefaultConfig() Config {
	return Config{PreemptionRadius: DefaultPreemptionRadius}
}

// Arbiter is stateless; it is invoked once per tick over the read-only
// snapshot produced before the decision phase.
type Arbiter struct {
	cfg Config
}

// New builds an arbiter with the given config.
func New(cfg Config) *Arbiter {
	return &Arbiter{cfg: cfg}
}

// Resolve returns every agent's advisory for this tick. conflictCenter is
// the intersection center each agent is approaching; agents with no
// upcoming intersection (background agents mid-road) still receive
// AdvisoryMayGo by default.
func (ar *Arbiter) Resolve(snap models.Snapshot, conflictCenter func(models.AgentId) (x, y float64, ok bool)) map[models.AgentId]models.Advisory {
	out := make(map[models.AgentId]models.Advisory, len(snap.Messages))
	for id := range snap.Messages {
		out[id] = models.AdvisoryMayGo
	}

	// Rule 1: emergency preemption. Any emergency agent within D_pre of its
	// conflict zone forces every non-emergency peer in that same zone to
	// yield.
	for emergencyID, emsg := range snap.Messages {
		if !emsg.IsEmergency {
			continue
		}
		cx, cy, ok := conflictCenter(emergencyID)
		if !ok {
			continue
		}
		if math.Hypot(emsg.X-cx, emsg.Y-cy) > ar.cfg.PreemptionRadius {
			continue
		}
		for peerID, peer := range snap.Messages {
			if peerID == emergencyID || peer.IsEmergency {
				continue
			}
			pcx, pcy, pok := conflictCenter(peerID)
			if !pok || pcx != cx || pcy != cy {
				continue
			}
			out[peerID] = models.AdvisoryMustYield
		}
	}

	// Rule 2: right-of-way-to-the-right among peers sharing a conflict
	// zone, skipping anyone already forced to yield by preemption.
	zones := groupByZone(snap, conflictCenter)
	for _, members := range zones {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if out[a] == models.AdvisoryMustYield || out[b] == models.AdvisoryMustYield {
					continue
				}
				if snap.Messages[a].IsEmergency || snap.Messages[b].IsEmergency {
					continue
				}
				loser, bothGo := rightOfWayLoser(snap.Messages[a], snap.Messages[b])
				if bothGo {
					continue
				}
				if loser != "" {
					out[loser] = models.AdvisoryMustYield
				}
			}
		}
	}
	return out
}

func groupByZone(snap models.Snapshot, conflictCenter func(models.AgentId) (float64, float64, bool)) map[[2]float64][]models.AgentId {
	zones := make(map[[2]float64][]models.AgentId)
	for id := range snap.Messages {
		x, y, ok := conflictCenter(id)
		if !ok {
			continue
		}
		key := [2]float64{x, y}
		zones[key] = append(zones[key], id)
	}
	return zones
}

// rightOfWayLoser determines which of a,b must yield under right-of-way-
// to-the-right: the vehicle approaching from the other's right has
// priority. Opposite-direction straight-through (non-crossing) pairs
// resolve to both go. headingDelta is computed modulo 360.
func rightOfWayLoser(a, b models.Message) (loser models.AgentId, bothGo bool) {
	delta := math.Mod(b.Theta-a.Theta+360, 360)
	// Roughly opposite headings (within 20 degrees of 180) and both going
	// straight through: treat as non-conflicting, both proceed.
	if math.Abs(delta-180) <= 20 && a.Intent == models.IntentThrough && b.Intent == models.IntentThrough {
		return "", true
	}
	// b approaches from a's right if b's heading is ~90 degrees
	// counterclockwise of a's (headings are math angles: 0 east, 90 north).
	if isApproxRight(delta) {
		return a.AgentID, false
	}
	reverseDelta := math.Mod(a.Theta-b.Theta+360, 360)
	if isApproxRight(reverseDelta) {
		return b.AgentID, false
	}
	return "", true
}

func isApproxRight(delta float64) bool {
	return delta >= 70 && delta <= 110
}
