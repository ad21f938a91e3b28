// Package coordinator implements per-intersection arrival queueing and
// admission. The admission gate is grounded on the teacher's bounded
// resource manager (engine/internal/resources/manager.go): a semaphore
// that only lets compatible work proceed concurrently — here generalized
// from "N in flight" to "non-conflicting paths may share occupancy,
// conflicting paths never do."
package coordinator

import (
	"sort"
	"sync"

	"github.com/curtivlad/v2xsim/engine/models"
)

// DefaultArrivalRadius is D_arrive: the distance from the stop line at
// which an approaching agent enters the queue.
const DefaultArrivalRadius = 25.0 // meters

// ConflictFunc reports whether two agents' approach directions conflict
// (e.g. perpendicular through-traffic at an uncontrolled intersection).
// Supplied by the caller so the coordinator stays geometry-agnostic.
type ConflictFunc func(a, b models.Message) bool

// Coordinator owns one intersection's occupancy set and arrival queue.
// All mutation happens from the single-writer apply phase.
type Coordinator struct {
	mu           sync.Mutex
	intersection models.Intersection
	conflicts    ConflictFunc
	arrivalRadius float64
}

// New builds a coordinator for the given intersection definition.
func New(def models.Intersection, conflicts ConflictFunc) *Coordinator {
	if def.Occupancy == nil {
		def.Occupancy = make(map[models.AgentId]struct{})
	}
	return &Coordinator{intersection: def, conflicts: conflicts, arrivalRadius: DefaultArrivalRadius}
}

// Arrive enqueues id at arrivalTick if it is within D_arrive of the stop
// line, is not already inside, and is not already queued.
func (c *Coordinator) Arrive(id models.AgentId, distanceToStopLine float64, arrivalTick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if distanceToStopLine > c.arrivalRadius {
		return
	}
	if _, inside := c.intersection.Occupancy[id]; inside {
		return
	}
	for _, q := range c.intersection.Queue {
		if q.AgentID == id {
			return
		}
	}
	c.intersection.Queue = append(c.intersection.Queue, models.QueueEntry{AgentID: id, ArrivalTick: arrivalTick})
	sort.Slice(c.intersection.Queue, func(i, j int) bool {
		qi, qj := c.intersection.Queue[i], c.intersection.Queue[j]
		if qi.ArrivalTick != qj.ArrivalTick {
			return qi.ArrivalTick < qj.ArrivalTick
		}
		return qi.AgentID < qj.AgentID
	})
}

// Depart removes id from both the occupancy set and the queue (e.g. an
// agent that reroutes or despawns before being admitted).
func (c *Coordinator) Depart(id models.AgentId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.intersection.Occupancy, id)
	c.removeFromQueueLocked(id)
}

func (c *Coordinator) removeFromQueueLocked(id models.AgentId) {
	out := c.intersection.Queue[:0]
	for _, q := range c.intersection.Queue {
		if q.AgentID != id {
			out = append(out, q)
		}
	}
	c.intersection.Queue = out
}

// Admit evaluates the queue head(s) against the current state and light,
// moving admitted agents from Queue into Occupancy. snap supplies each
// queued agent's current message for conflict evaluation. lightPhase
// only matters when Controlled is true.
func (c *Coordinator) Admit(snap models.Snapshot, lightPhase models.Phase) []models.AgentId {
	c.mu.Lock()
	defer c.mu.Unlock()

	var admitted []models.AgentId
	remaining := c.intersection.Queue[:0:0]
	for _, entry := range c.intersection.Queue {
		msg, ok := snap.Messages[entry.AgentID]
		if !ok {
			continue // agent vanished (despawned/pruned); drop from queue
		}
		if c.intersection.Controlled {
			if !lightAllowsEntry(lightPhase, msg) {
				remaining = append(remaining, entry)
				continue
			}
		}
		if c.conflictsWithOccupancyLocked(msg, snap) {
			remaining = append(remaining, entry)
			continue
		}
		c.intersection.Occupancy[entry.AgentID] = struct{}{}
		admitted = append(admitted, entry.AgentID)
	}
	c.intersection.Queue = remaining
	return admitted
}

func (c *Coordinator) conflictsWithOccupancyLocked(candidate models.Message, snap models.Snapshot) bool {
	if c.conflicts == nil {
		return len(c.intersection.Occupancy) > 0
	}
	for occupantID := range c.intersection.Occupancy {
		occupant, ok := snap.Messages[occupantID]
		if !ok {
			continue
		}
		if c.conflicts(candidate, occupant) {
			return true
		}
	}
	return false
}

// lightAllowsEntry admits an agent only when its approach direction
// currently has the green; EMERGENCY_ALL_RED admits nobody. Direction is
// inferred from heading: headings near 90/270 are north-south travel,
// headings near 0/180 are east-west travel.
func lightAllowsEntry(phase models.Phase, msg models.Message) bool {
	if phase == models.PhaseEmergencyRed {
		return false
	}
	isNS := headingIsNorthSouth(msg.Theta)
	if phase == models.PhaseNSGreen {
		return isNS
	}
	return !isNS
}

func headingIsNorthSouth(theta float64) bool {
	h := normalizeDegrees(theta)
	return (h > 45 && h <= 135) || (h > 225 && h <= 315)
}

func normalizeDegrees(theta float64) float64 {
	h := theta
	for h < 0 {
		h += 360
	}
	for h >= 360 {
		h -= 360
	}
	return h
}

// Snapshot returns a read-only copy of the intersection's current state.
func (c *Coordinator) Snapshot() models.Intersection {
	c.mu.Lock()
	defer c.mu.Unlock()
	occ := make(map[models.AgentId]struct{}, len(c.intersection.Occupancy))
	for id := range c.intersection.Occupancy {
		occ[id] = struct{}{}
	}
	queue := make([]models.QueueEntry, len(c.intersection.Queue))
	copy(queue, c.intersection.Queue)
	cpy := c.intersection
	cpy.Occupancy = occ
	cpy.Queue = queue
	return cpy
}

// SetLight updates the intersection's cached light state (for export).
func (c *Coordinator) SetLight(phase models.TrafficPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intersection.Light = phase
}
