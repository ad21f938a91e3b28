package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/curtivlad/v2xsim/engine/internal/advisor"
	"github.com/curtivlad/v2xsim/engine/internal/agent"
	"github.com/curtivlad/v2xsim/engine/internal/arbiter"
	"github.com/curtivlad/v2xsim/engine/internal/breaker"
	"github.com/curtivlad/v2xsim/engine/internal/collision"
	"github.com/curtivlad/v2xsim/engine/internal/coordinator"
	"github.com/curtivlad/v2xsim/engine/internal/resources"
	"github.com/curtivlad/v2xsim/engine/internal/scenario"
	"github.com/curtivlad/v2xsim/engine/internal/scheduler"
	intmetrics "github.com/curtivlad/v2xsim/engine/internal/telemetry/metrics"
	telemEvents "github.com/curtivlad/v2xsim/engine/internal/telemetry/events"
	telemetrytracing "github.com/curtivlad/v2xsim/engine/internal/telemetry/tracing"
	"github.com/curtivlad/v2xsim/engine/internal/trafficlight"
	"github.com/curtivlad/v2xsim/engine/internal/traffic"
	"github.com/curtivlad/v2xsim/engine/internal/v2x"
	"github.com/curtivlad/v2xsim/engine/models"
	"github.com/curtivlad/v2xsim/engine/telemetry/logging"
)

// Mode selects whether Start loads a named scenario or runs the
// background-traffic city on the full grid.
type Mode int

const (
	ModeScenario Mode = iota
	ModeCity
)

// SpawnKind is a requestable adversarial/priority vehicle kind.
type SpawnKind string

const (
	SpawnDrunk     SpawnKind = "drunk"
	SpawnPolice    SpawnKind = "police"
	SpawnAmbulance SpawnKind = "ambulance"
)

var (
	errNotInitialized = errors.New("engine: not initialized")
	errNotRunning     = errors.New("engine: not running")
	errUnknownKind    = errors.New("engine: unknown spawn kind")
)

type intersectionState struct {
	spec  scenario.IntersectionSpec
	light *trafficlight.Light // nil when uncontrolled
	coord *coordinator.Coordinator
}

// Manager is the Simulation Manager facade: it owns lifecycle
// (init/start/stop/restart/spawn/export_state) and wires every kernel
// subsystem behind one struct, construction-time, the way the teacher's
// Engine wires pipeline/limiter/resources/telemetry behind one struct.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	mode      Mode
	scenarioID string
	running   bool
	startedAt time.Time

	scenarios *scenario.Store
	sched     *scheduler.Scheduler
	channel   *v2x.Channel
	signer    *v2x.Signer
	detector  *collision.Detector
	arb       *arbiter.Arbiter
	advisorG  *advisor.Guarded
	breakerCB *breaker.CircuitBreaker
	resMgr    *resources.Manager
	bgDriver  *traffic.Driver
	bgEnabled atomic.Bool

	intersections map[string]*intersectionState
	agents        map[models.AgentId]*agent.Agent

	stats struct {
		nearMisses            int
		lateYields            int
		successfulPreemptions int
		collisionsPrevented   int
	}

	exported atomic.Pointer[models.ExportedState]

	metricsProvider      intmetrics.Provider
	eventBus             telemEvents.Bus
	tracer               telemetrytracing.Tracer
	logger               logging.Logger
	mCollisionsPrevented intmetrics.Counter
	mCooperationScore    intmetrics.Gauge
	mTickDuration        intmetrics.Histogram
	mBreakerState        intmetrics.Gauge
	mRejectedMessages    intmetrics.Counter

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New wires every subsystem from cfg but does not start the tick loop;
// call Init then Start.
func New(cfg Config) (*Manager, error) {
	signer := v2x.NewSigner(cfg.HMACKey)
	filter := v2x.NewSecurityFilter(signer, cfg.V2X)
	channel := v2x.NewChannel(filter, cfg.ChannelHistory)

	metricsProvider := selectMetricsProvider(cfg)
	eventBus := telemEvents.NewBus(metricsProvider)
	tracer := telemetrytracing.NewAdaptiveTracer(func() float64 { return 20 })

	m := &Manager{
		cfg:           cfg,
		scenarios:     scenario.NewStore(),
		sched:         scheduler.New(scheduler.Config{TickRate: cfg.TickRate, MaxDtMultiple: cfg.MaxDtMultiple}),
		channel:       channel,
		signer:        signer,
		detector:      collision.New(cfg.Collision),
		arb:           arbiter.New(cfg.Arbiter),
		breakerCB:     breaker.New(cfg.Breaker),
		resMgr:        resources.NewManager(resources.Config{MaxInFlight: cfg.AdvisorMaxInFlight}),
		intersections: make(map[string]*intersectionState),
		agents:        make(map[models.AgentId]*agent.Agent),

		metricsProvider: metricsProvider,
		eventBus:        eventBus,
		tracer:          tracer,
		logger:          logging.New(nil),
	}
	m.advisorG = advisor.NewGuarded(defaultAdvisorStub(), m.breakerCB, cfg.AdvisorTimeout, v2x.VMax)
	m.initDomainMetrics()

	if cfg.ScenarioDir != "" {
		if err := m.scenarios.LoadDir(cfg.ScenarioDir); err != nil {
			return nil, fmt.Errorf("engine: load scenarios: %w", err)
		}
	}
	return m, nil
}

func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.MetricsEnabled {
		return intmetrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

// initDomainMetrics registers the kernel's own instruments (as opposed to
// the event bus's generic published/dropped counters) against whichever
// backend selectMetricsProvider chose. A noop provider makes every one of
// these a cheap no-op, so this always runs regardless of cfg.MetricsEnabled.
func (m *Manager) initDomainMetrics() {
	p := m.metricsProvider
	m.mCollisionsPrevented = p.NewCounter(intmetrics.CounterOpts{CommonOpts: intmetrics.CommonOpts{
		Namespace: intmetrics.Namespace, Subsystem: "kernel", Name: "collisions_prevented_total",
		Help: "Collision-risk pairs seen, counted once per pair per tick",
	}})
	m.mCooperationScore = p.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{
		Namespace: intmetrics.Namespace, Subsystem: "kernel", Name: "cooperation_score",
		Help: "Rolling cooperation score in [0,100]",
	}})
	m.mTickDuration = p.NewHistogram(intmetrics.HistogramOpts{CommonOpts: intmetrics.CommonOpts{
		Namespace: intmetrics.Namespace, Subsystem: "kernel", Name: "tick_duration_seconds",
		Help: "Wall-clock time spent running one simulation tick",
	}})
	m.mBreakerState = p.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{
		Namespace: intmetrics.Namespace, Subsystem: "advisor", Name: "breaker_state",
		Help: "Circuit breaker state: 0=closed 1=open 2=half_open",
	}})
	m.mRejectedMessages = p.NewCounter(intmetrics.CounterOpts{CommonOpts: intmetrics.CommonOpts{
		Namespace: intmetrics.Namespace, Subsystem: "v2x", Name: "rejected_messages_total",
		Help: "Broadcast messages rejected by the security filter, by reason", Labels: []string{"reason"},
	}})
}

// defaultAdvisorStub returns a deterministic local advisor that answers
// "yield" when the agent's advisory is must_yield and otherwise "go" at a
// conservative 10 m/s — callers that want a different local policy supply
// their own advisor.Advisor via SetAdvisor before Start.
func defaultAdvisorStub() advisor.Advisor {
	return advisor.DeterministicStub{Suggest: func(c advisor.Context) (advisor.Response, error) {
		if c.Advisory == models.AdvisoryMustYield {
			return advisor.Response{Action: models.ActionYield, Speed: 0, Reason: "advisor: yield per priority"}, nil
		}
		return advisor.Response{Action: models.ActionGo, Speed: 10, Reason: "advisor: proceed"}, nil
	}}
}

// SetAdvisor swaps the guarded advisor's inner implementation. Must be
// called before Start.
func (m *Manager) SetAdvisor(a advisor.Advisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advisorG = advisor.NewGuarded(a, m.breakerCB, m.cfg.AdvisorTimeout, v2x.VMax)
}

// Init records mode for the next Start; the mode is not checked. It is
// idempotent.
func (m *Manager) Init(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// Start loads the named scenario (ModeScenario) or builds the full grid
// population (ModeCity), then begins the tick loop in a background
// goroutine. id is ignored in ModeCity.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}

	switch m.mode {
	case ModeScenario:
		sc, ok := m.scenarios.Get(id)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("engine: unknown scenario %q", id)
		}
		m.loadScenarioLocked(sc)
		m.scenarioID = id
	case ModeCity:
		m.buildCityGridLocked()
		m.scenarioID = "city"
	}

	m.startedAt = time.Now()
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.runDone = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.runDone)
		_ = m.sched.Run(ctx, m.hooks())
	}()
	return nil
}

func (m *Manager) loadScenarioLocked(sc scenario.Scenario) {
	for _, isp := range sc.Intersections {
		m.installIntersectionLocked(isp)
	}
	for _, as := range sc.Agents {
		state := models.KinematicState{
			X: as.X, Y: as.Y, Heading: as.Heading, Speed: as.Speed,
			Intent: as.Intent, IsEmergency: as.IsEmergency, IsPolice: as.IsPolice, IsDrunk: as.IsDrunk,
		}
		profile := agent.ProfileNormal
		switch {
		case as.IsDrunk:
			profile = agent.ProfileDrunk
		case as.IsEmergency:
			profile = agent.ProfileEmergency
		case as.IsPolice:
			profile = agent.ProfilePolice
		}
		m.agents[models.AgentId(as.ID)] = agent.New(models.AgentId(as.ID), profile, state, int64(len(m.agents)+1))
	}
	if m.bgDriver == nil && sc.BackgroundN > 0 {
		m.bgDriver = traffic.New(traffic.Grid{Cols: sc.GridCols, Rows: sc.GridRows, Spacing: sc.GridSpacing}, sc.BackgroundN, 1)
	}
}

func (m *Manager) buildCityGridLocked() {
	for c := 0; c < m.cfg.GridCols; c++ {
		for r := 0; r < m.cfg.GridRows; r++ {
			id := fmt.Sprintf("x-%d-%d", c, r)
			cx, cy := float64(c)*m.cfg.GridSpacing, float64(r)*m.cfg.GridSpacing
			m.installIntersectionLocked(scenario.IntersectionSpec{ID: id, CenterX: cx, CenterY: cy, Controlled: true})
		}
	}
	m.bgDriver = traffic.New(traffic.Grid{Cols: m.cfg.GridCols, Rows: m.cfg.GridRows, Spacing: m.cfg.GridSpacing}, m.cfg.BackgroundPopulation, 1)
	m.bgEnabled.Store(true)
	for _, a := range m.bgDriver.Maintain() {
		m.agents[a.ID] = a
	}
}

func (m *Manager) installIntersectionLocked(isp scenario.IntersectionSpec) {
	st := &intersectionState{spec: isp}
	if isp.Controlled {
		st.light = trafficlight.New(m.cfg.TrafficLight)
	}
	st.coord = coordinator.New(models.Intersection{ID: isp.ID, CenterX: isp.CenterX, CenterY: isp.CenterY, Controlled: isp.Controlled}, conflictsPerpendicular)
	m.intersections[isp.ID] = st
}

// conflictsPerpendicular treats any pair whose approach headings are not
// within 45 degrees of each other as conflicting — a conservative
// uncontrolled-intersection gate (parallel traffic never conflicts;
// crossing or oncoming traffic does).
func conflictsPerpendicular(a, b models.Message) bool {
	delta := math.Mod(math.Abs(a.Theta-b.Theta), 360)
	if delta > 180 {
		delta = 360 - delta
	}
	return delta > 45
}

// Stop cancels the tick loop's context and waits for the loop to exit.
// Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.runCancel
	done := m.runDone
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Restart stops and re-starts the same scenario/mode from scratch.
func (m *Manager) Restart() error {
	m.mu.RLock()
	mode, id := m.mode, m.scenarioID
	m.mu.RUnlock()

	if err := m.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	m.intersections = make(map[string]*intersectionState)
	m.agents = make(map[models.AgentId]*agent.Agent)
	m.bgDriver = nil
	m.stats = struct {
		nearMisses            int
		lateYields            int
		successfulPreemptions int
		collisionsPrevented   int
	}{}
	m.mu.Unlock()

	if err := m.Init(mode); err != nil {
		return err
	}
	return m.Start(id)
}

// Spawn introduces one new vehicle of the given kind, returning its id.
// In both modes the vehicle starts at the origin (0,0) with heading 0 and
// the kind's fixed speed; no grid edge or scenario position is chosen.
func (m *Manager) Spawn(kind SpawnKind) (models.AgentId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return "", errNotRunning
	}

	var profile agent.Profile
	var state models.KinematicState
	switch kind {
	case SpawnDrunk:
		profile = agent.ProfileDrunk
		state = models.KinematicState{IsDrunk: true, Speed: 10}
	case SpawnPolice:
		profile = agent.ProfilePolice
		state = models.KinematicState{IsPolice: true, Speed: 12}
	case SpawnAmbulance:
		profile = agent.ProfileEmergency
		state = models.KinematicState{IsEmergency: true, Speed: 12}
	default:
		return "", errUnknownKind
	}

	id := models.AgentId(fmt.Sprintf("%s-%s", kind, uuid.NewString()))
	m.agents[id] = agent.New(id, profile, state, int64(len(m.agents)+1))
	return id, nil
}

// ToggleBackgroundTraffic enables or disables background-traffic
// population maintenance. A no-op in ModeScenario if no driver was
// installed by the loaded scenario.
func (m *Manager) ToggleBackgroundTraffic(enabled bool) {
	m.bgEnabled.Store(enabled)
}

// GetState returns the most recently exported sanitized snapshot. The
// zero value (Running: false) is returned before the first tick.
func (m *Manager) GetState() models.ExportedState {
	if p := m.exported.Load(); p != nil {
		return *p
	}
	return models.ExportedState{Running: false, Scenario: m.currentScenarioID()}
}

func (m *Manager) currentScenarioID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scenarioID
}

// TelemetryReport is a minimal rollup of breaker state, advisor calls,
// in-flight count and V2X channel rejection stats for the control
// surface's telemetry_report operation.
type TelemetryReport struct {
	BreakerState  string
	AdvisorCalls  int
	InFlight      int
	ChannelStats  v2x.RejectionStats
}

// TelemetryReport returns the current diagnostic rollup.
func (m *Manager) TelemetryReport() TelemetryReport {
	st, _ := m.breakerCB.State()
	return TelemetryReport{
		BreakerState: st.String(),
		AdvisorCalls: m.advisorG.Calls(),
		InFlight:     m.resMgr.InFlight(),
		ChannelStats: m.channel.Stats(),
	}
}

// MetricsHandler returns the Prometheus scrape handler when the selected
// backend is Prometheus; ok is false for the OTel/noop backends, which
// push rather than expose a pull endpoint.
func (m *Manager) MetricsHandler() (handler http.Handler, ok bool) {
	p, ok := m.metricsProvider.(*intmetrics.PrometheusProvider)
	if !ok {
		return nil, false
	}
	return p.MetricsHandler(), true
}

// RegisterEventObserver forwards to the internal event bus, returning a
// subscription the caller must Close to stop receiving events.
func (m *Manager) RegisterEventObserver(buffer int) (telemEvents.Subscription, error) {
	return m.eventBus.Subscribe(buffer)
}
