package engine

import (
	"time"

	"github.com/curtivlad/v2xsim/engine/internal/advisor"
	"github.com/curtivlad/v2xsim/engine/internal/arbiter"
	"github.com/curtivlad/v2xsim/engine/internal/breaker"
	"github.com/curtivlad/v2xsim/engine/internal/collision"
	"github.com/curtivlad/v2xsim/engine/internal/trafficlight"
	"github.com/curtivlad/v2xsim/engine/internal/v2x"
)

// Config is the public configuration surface for the Manager facade. It
// narrows and normalizes the underlying component configs the way the
// teacher's Config narrows pipeline/resource/rate-limit configs behind
// one struct.
type Config struct {
	// Tick pacing
	TickRate      int
	MaxDtMultiple float64

	// V2X channel
	HMACKey         []byte
	V2X             v2x.FilterConfig
	ChannelHistory  int

	// Safety subsystems
	Collision   collision.Config
	Arbiter     arbiter.Config
	TrafficLight trafficlight.Config

	// Coordinator
	ArrivalRadius float64

	// Advisor
	AdvisorTimeout  time.Duration
	Breaker         breaker.Config
	AdvisorMaxInFlight int

	// Background traffic / grid
	GridCols             int
	GridRows             int
	GridSpacing          float64
	BackgroundPopulation int

	// Scenario loading
	ScenarioDir string

	// Telemetry
	MetricsEnabled bool
	MetricsBackend string
}

// Defaults returns a Config populated with the spec's nominal constants.
func Defaults() Config {
	return Config{
		TickRate:             20,
		MaxDtMultiple:        2.0,
		HMACKey:              []byte("v2xsim-default-demo-key"),
		V2X:                  v2x.DefaultFilterConfig(),
		ChannelHistory:       32,
		Collision:            collision.DefaultConfig(),
		Arbiter:              arbiter.DefaultConfig(),
		TrafficLight:         trafficlight.DefaultConfig(),
		ArrivalRadius:        25.0,
		AdvisorTimeout:       advisor.DefaultTimeout,
		Breaker:              breaker.DefaultConfig(),
		AdvisorMaxInFlight:   16,
		GridCols:             5,
		GridRows:             5,
		GridSpacing:          120.0,
		BackgroundPopulation: 25,
		ScenarioDir:          "scenarios",
		MetricsEnabled:       false,
		MetricsBackend:       "prom",
	}
}
