// Package collision computes pairwise time-to-collision over a channel
// snapshot. The closed-form quadratic solved here is plain 2D analytic
// geometry, not a general computational-geometry problem, so no
// third-party geometry library is wired in — stdlib math is the right
// tool for this specific calculation.
package collision

import (
	"math"
	"sort"

	"github.com/curtivlad/v2xsim/engine/models"
)

const (
	// DefaultPrefilterRadius bounds which pairs are even considered; agents
	// farther apart than this can never collide within the horizon.
	DefaultPrefilterRadius = 120.0 // meters
	// CollisionRadius is the combined hitbox radius s_collision.
	CollisionRadius = 4.0 // meters

	thresholdCollision = 1.5
	thresholdHigh      = 3.0
	thresholdMedium    = 5.0
)

// Config tunes the detector's spatial prefilter.
type Config struct {
	PrefilterRadius float64
	CollisionRadius float64
}

// DefaultConfig returns the spec's default radii.
func DefaultConfig() Config {
	return Config{PrefilterRadius: DefaultPrefilterRadius, CollisionRadius: CollisionRadius}
}

// Detector computes classified, deduplicated collision pairs from a
// snapshot. It is stateless and safe to call concurrently — the tick
// scheduler invokes it once per tick over the read-only snapshot.
type Detector struct {
	cfg Config
}

// New builds a detector with the given config.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Detect returns every pair above RiskLow, each (a < b) at most once.
func (d *Detector) Detect(snap models.Snapshot) []models.CollisionPair {
	ids := make([]models.AgentId, 0, len(snap.Messages))
	for id := range snap.Messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var pairs []models.CollisionPair
	for i := 0; i < len(ids); i++ {
		a := snap.Messages[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			b := snap.Messages[ids[j]]
			dx, dy := a.X-b.X, a.Y-b.Y
			dist := math.Hypot(dx, dy)
			if dist > d.cfg.PrefilterRadius {
				continue
			}
			ttc, ok := timeToCollision(a, b, d.cfg.CollisionRadius)
			risk := classify(ttc, ok)
			if risk == models.RiskLow {
				continue
			}
			pairs = append(pairs, models.NewCollisionPair(ids[i], ids[j], ttc, risk))
		}
	}
	return pairs
}

// timeToCollision solves ||p_a(t) - p_b(t)|| = s for the smallest t >= 0,
// where p_x(t) extrapolates x linearly at its current heading and speed.
// Returns ok=false when no finite non-negative root exists (parallel or
// diverging trajectories).
func timeToCollision(a, b models.Message, collisionRadius float64) (float64, bool) {
	avx, avy := velocityComponents(a.V, a.Theta)
	bvx, bvy := velocityComponents(b.V, b.Theta)

	// Relative position and velocity: p(t) = p0 + v*t, solve |p(t)| = s.
	px, py := a.X-b.X, a.Y-b.Y
	vx, vy := avx-bvx, avy-bvy

	if math.Hypot(px, py) <= collisionRadius {
		return 0, true
	}

	// |p0 + v t|^2 = s^2  =>  (v.v) t^2 + 2(p0.v) t + (p0.p0 - s^2) = 0
	A := vx*vx + vy*vy
	B := 2 * (px*vx + py*vy)
	C := px*px + py*py - collisionRadius*collisionRadius

	if A == 0 {
		// Zero relative speed: either never closer (no root) or already
		// within radius (handled above), so no finite TTC.
		return 0, false
	}

	disc := B*B - 4*A*C
	if disc < 0 {
		return 0, false
	}
	sqrtDisc := math.Sqrt(disc)
	t1 := (-B - sqrtDisc) / (2 * A)
	t2 := (-B + sqrtDisc) / (2 * A)

	root, ok := smallestNonNegative(t1, t2)
	if !ok {
		return 0, false
	}
	return root, true
}

func smallestNonNegative(t1, t2 float64) (float64, bool) {
	if t1 > t2 {
		t1, t2 = t2, t1
	}
	if t1 >= 0 {
		return t1, true
	}
	if t2 >= 0 {
		return t2, true
	}
	return 0, false
}

func velocityComponents(speed, headingDeg float64) (vx, vy float64) {
	rad := headingDeg * math.Pi / 180
	return speed * math.Cos(rad), speed * math.Sin(rad)
}

func classify(ttc float64, ok bool) models.RiskLevel {
	if !ok {
		return models.RiskLow
	}
	switch {
	case ttc <= thresholdCollision:
		return models.RiskCollision
	case ttc <= thresholdHigh:
		return models.RiskHigh
	case ttc <= thresholdMedium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
