package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/curtivlad/v2xsim/engine/internal/advisor"
	"github.com/curtivlad/v2xsim/engine/internal/agent"
	"github.com/curtivlad/v2xsim/engine/internal/scheduler"
	telemEvents "github.com/curtivlad/v2xsim/engine/internal/telemetry/events"
	"github.com/curtivlad/v2xsim/engine/internal/trafficlight"
	"github.com/curtivlad/v2xsim/engine/models"
)

// tickState is the scratch data threaded between one tick's phase hooks.
// It is only ever touched from within a single runOnce call, so it needs
// no locking of its own — the scheduler's single-writer apply-phase
// guarantee is what makes this safe.
type tickState struct {
	tickStart   time.Time
	snapshot    models.Snapshot
	pairs       []models.CollisionPair
	highestRisk map[models.AgentId]models.RiskLevel
	advisories  map[models.AgentId]models.Advisory
	order       []models.AgentId
	decisions   []models.Decision
}

// hooks builds the scheduler.Hooks bound to this manager's subsystems, in
// the spec's fixed phase order: broadcasts, infrastructure, priority,
// agent decisions, overrides, integration, export.
func (m *Manager) hooks() scheduler.Hooks {
	ts := &tickState{}
	return scheduler.Hooks{
		CollectBroadcasts: func(tc scheduler.TickContext) { m.collectBroadcasts(tc, ts) },
		AdvanceInfra:      func(tc scheduler.TickContext) { m.advanceInfra(tc, ts) },
		ComputePriority:   func(tc scheduler.TickContext) { m.computePriority(tc, ts) },
		DecideAgents:      func(ctx context.Context, tc scheduler.TickContext) { m.decideAgents(ctx, tc, ts) },
		ApplyOverrides:    func(tc scheduler.TickContext) { m.applyOverrides(tc, ts) },
		Integrate:         func(tc scheduler.TickContext) { m.integrate(tc, ts) },
		Export:            func(tc scheduler.TickContext) { m.export(tc, ts) },
	}
}

func (m *Manager) collectBroadcasts(tc scheduler.TickContext, ts *tickState) {
	ts.tickStart = time.Now()
	ts.snapshot = m.channel.Snapshot(tc.Tick, tc.Now)
}

func (m *Manager) advanceInfra(tc scheduler.TickContext, ts *tickState) {
	breakerState, _ := m.breakerCB.State()
	m.mBreakerState.Set(breakerStateValue(breakerState))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.intersections {
		if st.light == nil {
			continue
		}
		if dir, preempting := m.nearestEmergencyDirection(st, ts.snapshot); preempting {
			st.light.Preempt(dir)
			m.stats.successfulPreemptions++
			_ = m.eventBus.Publish(telemEvents.Event{
				Category: telemEvents.CategoryTrafficLight, Type: "emergency_preempt",
				Fields: map[string]interface{}{"intersection": st.spec.ID},
			})
		} else {
			st.light.Clear()
		}
		st.light.Advance(tc.Dt)
		st.coord.SetLight(st.light.State())
	}

	for id, msg := range ts.snapshot.Messages {
		st := m.nearestIntersectionLocked(msg.X, msg.Y)
		if st == nil {
			continue
		}
		dist := math.Hypot(msg.X-st.spec.CenterX, msg.Y-st.spec.CenterY)
		st.coord.Arrive(id, dist, tc.Tick)
	}
	for _, st := range m.intersections {
		phase := models.Phase("")
		if st.light != nil {
			phase = st.light.State().Phase
		}
		st.coord.Admit(ts.snapshot, phase)
	}
}

// nearestEmergencyDirection reports the approach direction of the nearest
// emergency vehicle within the preemption radius of this intersection, if
// any — used to drive the light's emergency override.
func (m *Manager) nearestEmergencyDirection(st *intersectionState, snap models.Snapshot) (trafficlight.Direction, bool) {
	for _, msg := range snap.Messages {
		if !msg.IsEmergency {
			continue
		}
		if math.Hypot(msg.X-st.spec.CenterX, msg.Y-st.spec.CenterY) > m.cfg.Arbiter.PreemptionRadius {
			continue
		}
		if headingIsNS(msg.Theta) {
			return trafficlight.DirectionNS, true
		}
		return trafficlight.DirectionEW, true
	}
	return trafficlight.DirectionEW, false
}

func breakerStateValue(s models.BreakerState) float64 {
	switch s {
	case models.BreakerOpen:
		return 1
	case models.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

func headingIsNS(theta float64) bool {
	h := math.Mod(theta, 360)
	if h < 0 {
		h += 360
	}
	return (h > 45 && h <= 135) || (h > 225 && h <= 315)
}

// nearestIntersectionLocked finds the closest intersection center to
// (x,y). Callers must hold m.mu.
func (m *Manager) nearestIntersectionLocked(x, y float64) *intersectionState {
	var best *intersectionState
	bestDist := math.Inf(1)
	for _, st := range m.intersections {
		d := math.Hypot(x-st.spec.CenterX, y-st.spec.CenterY)
		if d < bestDist {
			bestDist = d
			best = st
		}
	}
	if best == nil || bestDist > m.cfg.ArrivalRadius*4 {
		return nil
	}
	return best
}

// conflictCenter maps an agent to the intersection center it is
// approaching, for the arbiter's zone grouping. Agents with no
// intersection within range never conflict and get AdvisoryMayGo.
func (m *Manager) conflictCenter(snap models.Snapshot) func(models.AgentId) (float64, float64, bool) {
	return func(id models.AgentId) (float64, float64, bool) {
		msg, ok := snap.Messages[id]
		if !ok {
			return 0, 0, false
		}
		m.mu.RLock()
		st := m.nearestIntersectionLocked(msg.X, msg.Y)
		m.mu.RUnlock()
		if st == nil {
			return 0, 0, false
		}
		return st.spec.CenterX, st.spec.CenterY, true
	}
}

func (m *Manager) computePriority(tc scheduler.TickContext, ts *tickState) {
	ts.pairs = m.detector.Detect(ts.snapshot)
	ts.highestRisk = make(map[models.AgentId]models.RiskLevel, len(ts.snapshot.Messages))
	for _, p := range ts.pairs {
		if worse(p.Risk, ts.highestRisk[p.A]) {
			ts.highestRisk[p.A] = p.Risk
		}
		if worse(p.Risk, ts.highestRisk[p.B]) {
			ts.highestRisk[p.B] = p.Risk
		}
	}
	ts.advisories = m.arb.Resolve(ts.snapshot, m.conflictCenter(ts.snapshot))
}

func worse(a, b models.RiskLevel) bool { return riskRank(a) > riskRank(b) }

func riskRank(r models.RiskLevel) int {
	switch r {
	case models.RiskCollision:
		return 3
	case models.RiskHigh:
		return 2
	case models.RiskMedium:
		return 1
	default:
		return 0
	}
}

func (m *Manager) decideAgents(ctx context.Context, tc scheduler.TickContext, ts *tickState) {
	ctx, span := m.tracer.StartSpan(ctx, "decide_agents")
	defer span.End()

	m.mu.RLock()
	ids := make([]models.AgentId, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ts.order = ids
	ts.decisions = make([]models.Decision, len(ids))
	m.mu.RUnlock()

	workers := scheduler.WorkerCount(len(ids))
	scheduler.RunParallel(ctx, intRange(len(ids)), workers, func(ctx context.Context, i int) {
		id := ts.order[i]
		m.mu.RLock()
		a := m.agents[id]
		m.mu.RUnlock()
		if a == nil {
			return
		}
		msg := ts.snapshot.Messages[id]
		ts.decisions[i] = m.runAgentDecision(ctx, a, tc, ts, msg)
	})
}

func intRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// runAgentDecision builds one agent's Input and calls Decide, converting
// an internal panic into the fixed stop-and-fault-count fallback so one
// agent's fault never aborts the tick.
func (m *Manager) runAgentDecision(ctx context.Context, a *agent.Agent, tc scheduler.TickContext, ts *tickState, own models.Message) (d models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			a.RegisterDecisionFault()
			d = models.Decision{Action: models.ActionStop, Reason: "decision fault: recovered"}
			m.logger.ErrorCtx(ctx, "agent decision fault", "agent", a.ID, "panic", r, "consecutive_faults", a.ConsecutiveFaults())
			_ = m.eventBus.PublishCtx(ctx, telemEvents.Event{
				Category: telemEvents.CategoryAgent, Type: "decision_fault", Severity: "error",
				Fields: map[string]interface{}{"agent": string(a.ID), "consecutive_faults": a.ConsecutiveFaults()},
			})
		}
	}()

	peers := nearestPeers(own, ts.snapshot, 5)
	leader := leaderTTC(own, ts.snapshot)

	m.mu.RLock()
	st := m.nearestIntersectionLocked(own.X, own.Y)
	m.mu.RUnlock()
	atRed, phase := false, models.Phase("")
	if st != nil && st.light != nil {
		phase = st.light.State().Phase
		atRed = lightBlocksHeading(phase, own.Theta)
	}

	in := agent.Input{
		Tick:           tc.Tick,
		Snapshot:       ts.snapshot,
		Advisory:       ts.advisories[a.ID],
		OwnHighestRisk: ts.highestRisk[a.ID],
		NearestPeers:   peers,
		AtRedLight:     atRed,
		LightPhase:     phase,
		LeaderTTC:      leader,
		Advise: func(ctx context.Context, c advisor.Context) (models.Decision, error) {
			if err := m.resMgr.Acquire(ctx); err != nil {
				return models.Decision{}, err
			}
			defer m.resMgr.Release()
			return m.advisorG.Call(ctx, c)
		},
	}
	d = a.Decide(ctx, in)
	if d.Action != models.ActionStop || a.ConsecutiveFaults() == 0 {
		a.ResetFaults()
	}
	return d
}

func lightBlocksHeading(phase models.Phase, theta float64) bool {
	if phase == models.PhaseEmergencyRed {
		return true
	}
	ns := headingIsNS(theta)
	if phase == models.PhaseNSGreen {
		return !ns
	}
	return ns
}

// nearestPeers returns up to n peer messages closest to own, excluding
// own's own agent id.
func nearestPeers(own models.Message, snap models.Snapshot, n int) []models.Message {
	type scored struct {
		msg  models.Message
		dist float64
	}
	var all []scored
	for id, msg := range snap.Messages {
		if id == own.AgentID {
			continue
		}
		all = append(all, scored{msg: msg, dist: math.Hypot(own.X-msg.X, own.Y-msg.Y)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]models.Message, len(all))
	for i, s := range all {
		out[i] = s.msg
	}
	return out
}

// leaderTTC estimates time-to-collision against the nearest peer roughly
// ahead of own on its current heading, or +Inf if none is found within a
// narrow forward cone.
func leaderTTC(own models.Message, snap models.Snapshot) float64 {
	rad := own.Theta * math.Pi / 180
	fx, fy := math.Cos(rad), math.Sin(rad)
	best := math.Inf(1)
	for id, msg := range snap.Messages {
		if id == own.AgentID {
			continue
		}
		dx, dy := msg.X-own.X, msg.Y-own.Y
		along := dx*fx + dy*fy
		if along <= 0 {
			continue
		}
		lateral := math.Hypot(dx-along*fx, dy-along*fy)
		if lateral > 3 {
			continue
		}
		closing := own.V - msg.V*math.Cos((msg.Theta-own.Theta)*math.Pi/180)
		if closing <= 0 {
			continue
		}
		ttc := along / closing
		if ttc < best {
			best = ttc
		}
	}
	return best
}

func (m *Manager) applyOverrides(tc scheduler.TickContext, ts *tickState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ts.order {
		if ts.advisories[id] == models.AdvisoryMustYield && ts.decisions[i].Action == models.ActionGo {
			ts.decisions[i] = models.Decision{Action: models.ActionYield, TargetSpeed: 0, Reason: "priority override: must yield"}
			m.stats.lateYields++
		}
	}
	for _, p := range ts.pairs {
		if p.Risk == models.RiskCollision {
			m.stats.collisionsPrevented++
			m.mCollisionsPrevented.Inc(1)
		}
	}
}

func (m *Manager) integrate(tc scheduler.TickContext, ts *tickState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, id := range ts.order {
		a := m.agents[id]
		if a == nil {
			continue
		}
		d := ts.decisions[i]
		s := &a.State

		switch d.Action {
		case models.ActionStop, models.ActionYield:
			s.Speed = 0
		case models.ActionBrake:
			s.Speed = math.Max(0, s.Speed-4*tc.Dt)
		case models.ActionPullOver:
			s.PullingOver = true
			s.Speed = math.Max(0, s.Speed-2*tc.Dt)
		default:
			s.Speed = d.TargetSpeed
		}
		rad := s.Heading * math.Pi / 180
		s.X += s.Speed * math.Cos(rad) * tc.Dt
		s.Y += s.Speed * math.Sin(rad) * tc.Dt

		msg := models.Message{
			AgentID: id, X: s.X, Y: s.Y, V: s.Speed, Theta: s.Heading,
			Intent: s.Intent, Decision: d.Action,
			IsEmergency: s.IsEmergency, Timestamp: tc.Now,
		}
		msg.MAC = m.signer.Sign(msg)
		if err := m.channel.Publish(msg, tc.Now); err != nil {
			m.mRejectedMessages.Inc(1, rejectionReason(err))
		}

		if a.ShouldDespawnForFaults() {
			delete(m.agents, id)
			if m.bgDriver != nil {
				m.bgDriver.Despawn(id)
			}
		}
	}

	if m.bgEnabled.Load() && m.bgDriver != nil {
		for _, a := range m.bgDriver.Maintain() {
			m.agents[a.ID] = a
		}
	}
}

func (m *Manager) export(tc scheduler.TickContext, ts *tickState) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agentsOut := make(map[models.AgentId]models.ExportedAgent, len(ts.order))
	for i, id := range ts.order {
		a := m.agents[id]
		if a == nil {
			continue
		}
		d := ts.decisions[i]
		s := a.State
		agentsOut[id] = models.ExportedAgent{
			X: s.X, Y: s.Y, V: s.Speed, Theta: s.Heading,
			Decision: d.Action, Reason: d.Reason, RiskLevel: ts.highestRisk[id],
			IsEmergency: s.IsEmergency, IsPolice: s.IsPolice, IsDrunk: s.IsDrunk,
			PullingOver: s.PullingOver, InsideIntersect: s.InsideIntersect,
			LLMCalls: a.AdvisorCalls(),
		}
	}

	infraOut := make(map[string]models.ExportedInfra, len(m.intersections))
	points := make([]models.ExportedPoint, 0, len(m.intersections))
	for id, st := range m.intersections {
		phase := models.TrafficPhase{}
		if st.light != nil {
			phase = st.light.State()
		}
		infraOut[id] = models.ExportedInfra{Phase: phase.Phase, PhaseRemaining: phase.Remaining}
		points = append(points, models.ExportedPoint{X: st.spec.CenterX, Y: st.spec.CenterY})
	}

	pairsOut := make([]models.ExportedCollisionPair, 0, len(ts.pairs))
	for _, p := range ts.pairs {
		pairsOut = append(pairsOut, models.ExportedCollisionPair{Agent1: p.A, Agent2: p.B, TTC: p.TTC, Risk: p.Risk})
		if p.Risk == models.RiskHigh || p.Risk == models.RiskCollision {
			m.stats.nearMisses++
		}
	}

	score := cooperationScore(m.stats.nearMisses, m.stats.lateYields, m.stats.successfulPreemptions)
	m.mCooperationScore.Set(score)
	m.mTickDuration.Observe(time.Since(ts.tickStart).Seconds())

	out := models.ExportedState{
		Running:  true,
		Scenario: m.scenarioID,
		Tick:     tc.Tick,
		T:        float64(tc.Tick) / float64(m.cfg.TickRate),
		Agents:   agentsOut,
		Infra:    infraOut,
		Pairs:    pairsOut,
		Grid: models.ExportedGrid{
			Intersections: points, GridSpacing: m.cfg.GridSpacing,
			Cols: m.cfg.GridCols, Rows: m.cfg.GridRows,
		},
		Stats: models.ExportedStats{
			ElapsedTime:         time.Since(m.startedAt).Seconds(),
			CollisionsPrevented: m.stats.collisionsPrevented,
			CooperationScore:    score,
		},
	}
	m.exported.Store(&out)
}

func rejectionReason(err error) string {
	switch err {
	case models.ErrInvalidMAC:
		return "invalid_mac"
	case models.ErrInvalidRange:
		return "invalid_range"
	case models.ErrStaleMessage:
		return "stale"
	case models.ErrRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

func cooperationScore(nearMisses, lateYields, preemptions int) float64 {
	score := 100 - 2*float64(nearMisses) - float64(lateYields) + 3*float64(preemptions)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
