// Package traffic maintains a background population of vehicles on a
// rectangular grid of intersections, each running the same decision
// function as a foreground agent but flagged Background so exports can
// give it weaker visibility. Construction-time wiring and the
// no-goroutine-leak discipline at Stop() are grounded on the teacher's
// Engine.New/Stop lifecycle (engine/engine.go).
package traffic

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/curtivlad/v2xsim/engine/internal/agent"
	"github.com/curtivlad/v2xsim/engine/models"
)

// DefaultPopulation is N, the maintained background vehicle count.
const DefaultPopulation = 25

// Grid describes the rectangular intersection layout background traffic
// routes across.
type Grid struct {
	Cols, Rows int
	Spacing    float64
}

// Center returns the world coordinates of intersection (col,row).
func (g Grid) Center(col, row int) (x, y float64) {
	return float64(col) * g.Spacing, float64(row) * g.Spacing
}

// Driver spawns and despawns background agents to maintain Population on
// Grid, assigning each a random route and a probabilistic turn intent at
// every intersection it approaches.
type Driver struct {
	mu         sync.Mutex
	grid       Grid
	population int
	rng        *rand.Rand
	nextID     int
	managed    map[models.AgentId]*agent.Agent
}

// New builds a Driver over grid, targeting population vehicles.
// rngSeed controls route/intent randomness reproducibly.
func New(grid Grid, population int, rngSeed int64) *Driver {
	if population <= 0 {
		population = DefaultPopulation
	}
	return &Driver{
		grid:       grid,
		population: population,
		rng:        rand.New(rand.NewSource(rngSeed)),
		managed:    make(map[models.AgentId]*agent.Agent),
	}
}

// Managed returns a snapshot slice of all currently managed agents.
func (d *Driver) Managed() []*agent.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*agent.Agent, 0, len(d.managed))
	for _, a := range d.managed {
		out = append(out, a)
	}
	return out
}

// Count returns the current managed population size.
func (d *Driver) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.managed)
}

// Maintain tops the population back up to d.population by spawning new
// agents at the center of a randomly chosen grid intersection. Returns the
// newly spawned agents.
func (d *Driver) Maintain() []*agent.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var spawned []*agent.Agent
	for len(d.managed) < d.population {
		a := d.spawnLocked()
		spawned = append(spawned, a)
	}
	return spawned
}

// Despawn removes an agent from the managed set (e.g. once it has
// completed its route or was involved in an unrecoverable fault).
func (d *Driver) Despawn(id models.AgentId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.managed, id)
}

func (d *Driver) spawnLocked() *agent.Agent {
	d.nextID++
	id := models.AgentId(backgroundIDPrefix + strconv.Itoa(d.nextID))

	col := d.rng.Intn(maxInt(d.grid.Cols, 1))
	row := d.rng.Intn(maxInt(d.grid.Rows, 1))
	cx, cy := d.grid.Center(col, row)

	heading := float64(d.rng.Intn(4)) * 90
	state := models.KinematicState{
		X:         cx,
		Y:         cy,
		Heading:   heading,
		Speed:     8 + d.rng.Float64()*5,
		Waypoints:  d.planRoute(col, row, heading),
		Intent:     d.nextIntent(),
		Background: true,
	}
	a := agent.New(id, agent.ProfileNormal, state, d.rng.Int63())
	d.managed[id] = a
	return a
}

// planRoute lays out a short random walk across grid intersections
// starting from (col,row) along heading, re-deciding direction at each
// stop the way a real route replans at every approach.
func (d *Driver) planRoute(col, row int, heading float64) []models.Waypoint {
	const legs = 4
	wps := make([]models.Waypoint, 0, legs)
	c, r := col, row
	for i := 0; i < legs; i++ {
		switch int(heading) % 360 {
		case 0:
			c++
		case 90:
			r++
		case 180:
			c--
		default:
			r--
		}
		if c < 0 {
			c = 0
		}
		if c >= d.grid.Cols {
			c = d.grid.Cols - 1
		}
		if r < 0 {
			r = 0
		}
		if r >= d.grid.Rows {
			r = d.grid.Rows - 1
		}
		x, y := d.grid.Center(c, r)
		wps = append(wps, models.Waypoint{X: x, Y: y})
		heading = d.turn(heading)
	}
	return wps
}

// turn applies the probabilistic straight/left/right intent to a
// heading to produce the next leg's heading.
func (d *Driver) turn(heading float64) float64 {
	switch d.nextIntent() {
	case models.IntentLeft:
		return mod360(heading + 90)
	case models.IntentRight:
		return mod360(heading - 90)
	default:
		return heading
	}
}

// nextIntent picks straight/left/right with the spec's probabilistic
// approach-intent distribution: straight most common, turns equally
// likely and rarer.
func (d *Driver) nextIntent() models.Intent {
	r := d.rng.Float64()
	switch {
	case r < 0.6:
		return models.IntentThrough
	case r < 0.8:
		return models.IntentLeft
	default:
		return models.IntentRight
	}
}

const backgroundIDPrefix = "bg-"

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mod360(v float64) float64 {
	v = float64(int(v) % 360)
	if v < 0 {
		v += 360
	}
	return v
}
