// Package monitor runs per-session heartbeat probes, tracks activity and
// predicts idle timeouts. One lightweight polling task per watched session;
// all session mutation goes through the registry.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/events"
)

// CadenceSource reports whether reduced-cadence polling is in effect. The
// resource governor implements it.
type CadenceSource interface {
	LowPower() bool
}

// Registry is the slice of the session manager the monitor needs.
type Registry interface {
	Get(id string) (*core.Session, bool)
	Transition(ctx context.Context, id string, to core.SessionStatus) error
}

// Config holds probe cadence and thresholds.
type Config struct {
	// HeartbeatInterval is the probe cadence; LowPowerInterval replaces it
	// while the governor throttles.
	HeartbeatInterval time.Duration
	LowPowerInterval  time.Duration
	// ProbeTimeout bounds one heartbeat round-trip.
	ProbeTimeout time.Duration
	// FailureThreshold is the consecutive probe failures needed before a
	// single ConnectionLost is emitted.
	FailureThreshold int
	// InactivityWindow is how long a session must be without connections and
	// transfer, combined with a missed probe, to be marked Inactive.
	InactivityWindow time.Duration
	// LatencyWarn emits HealthDegraded when a successful probe takes longer.
	LatencyWarn time.Duration
	// IdleTimeout is the broker-side idle budget used for timeout prediction.
	// Zero disables prediction.
	IdleTimeout time.Duration
	// PreemptiveThreshold emits TimeoutPredicted once the remaining idle
	// budget drops below it.
	PreemptiveThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.LowPowerInterval <= 0 {
		c.LowPowerInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.InactivityWindow <= 0 {
		c.InactivityWindow = 30 * time.Second
	}
	if c.LatencyWarn <= 0 {
		c.LatencyWarn = 200 * time.Millisecond
	}
	if c.PreemptiveThreshold <= 0 {
		c.PreemptiveThreshold = 2 * time.Minute
	}
}

// HealthSnapshot is the result of one health check.
type HealthSnapshot struct {
	SessionID           string             `json:"session_id"`
	Status              core.SessionStatus `json:"status"`
	Healthy             bool               `json:"healthy"`
	Latency             time.Duration      `json:"latency"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastProbe           time.Time          `json:"last_probe"`
	IdleFor             time.Duration      `json:"idle_for"`
}

// watchState is the per-session probe bookkeeping.
type watchState struct {
	mu            sync.Mutex
	failures      int
	lostEmitted   bool
	warnedTimeout bool
	lastProbe     time.Time
	lastLatency   time.Duration
	healthy       bool
	cancel        context.CancelFunc
}

// Monitor watches sessions by id.
type Monitor struct {
	cfg      Config
	registry Registry
	prober   core.Prober
	store    core.Store
	bus      *events.Bus
	cadence  CadenceSource
	clock    core.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	watched map[string]*watchState
}

// New creates a monitor. cadence may be nil, disabling low-power switching.
func New(cfg Config, registry Registry, prober core.Prober, store core.Store, bus *events.Bus, cadence CadenceSource, clock core.Clock, logger *slog.Logger) *Monitor {
	cfg.applyDefaults()
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		prober:   prober,
		store:    store,
		bus:      bus,
		cadence:  cadence,
		clock:    clock,
		logger:   logger,
		watched:  make(map[string]*watchState),
	}
}

// Start begins watching a session. Watching an already-watched session is a
// no-op.
func (m *Monitor) Start(ctx context.Context, sessionID string) {
	m.mu.Lock()
	if _, ok := m.watched[sessionID]; ok {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	st := &watchState{cancel: cancel, healthy: true}
	m.watched[sessionID] = st
	m.mu.Unlock()

	m.logger.Debug("monitoring started", "session_id", sessionID)
	go m.run(loopCtx, sessionID, st)
}

// Stop cancels the session's polling task immediately.
func (m *Monitor) Stop(sessionID string) {
	m.mu.Lock()
	st, ok := m.watched[sessionID]
	if ok {
		delete(m.watched, sessionID)
	}
	m.mu.Unlock()
	if ok {
		st.cancel()
		m.logger.Debug("monitoring stopped", "session_id", sessionID)
	}
}

// Watching reports whether the session has an active polling task.
func (m *Monitor) Watching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[sessionID]
	return ok
}

// run is the per-session polling loop.
func (m *Monitor) run(ctx context.Context, sessionID string, st *watchState) {
	for {
		if err := m.clock.Sleep(ctx, m.interval()); err != nil {
			return
		}
		sess, ok := m.registry.Get(sessionID)
		if !ok || sess.Status.IsTerminal() {
			m.Stop(sessionID)
			return
		}
		m.probeOnce(ctx, sess, st)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Monitor) interval() time.Duration {
	if m.cadence != nil && m.cadence.LowPower() {
		return m.cfg.LowPowerInterval
	}
	return m.cfg.HeartbeatInterval
}

// CheckHealth performs an immediate probe and returns the snapshot. The
// session does not need to be watched.
func (m *Monitor) CheckHealth(ctx context.Context, sessionID string) (HealthSnapshot, error) {
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return HealthSnapshot{}, core.ErrNotFound("session", sessionID)
	}

	m.mu.Lock()
	st := m.watched[sessionID]
	m.mu.Unlock()
	if st == nil {
		st = &watchState{healthy: true}
	}

	m.probeOnce(ctx, sess, st)

	st.mu.Lock()
	defer st.mu.Unlock()
	now := m.clock.Now()
	return HealthSnapshot{
		SessionID:           sessionID,
		Status:              sess.Status,
		Healthy:             st.healthy,
		Latency:             st.lastLatency,
		ConsecutiveFailures: st.failures,
		LastProbe:           st.lastProbe,
		IdleFor:             sess.IdleFor(now),
	}, nil
}

// PredictTimeout returns the remaining idle budget before the broker would
// drop the session. ok is false when prediction is disabled or the session
// is unknown.
func (m *Monitor) PredictTimeout(sessionID string) (time.Duration, bool) {
	if m.cfg.IdleTimeout <= 0 {
		return 0, false
	}
	sess, ok := m.registry.Get(sessionID)
	if !ok || sess.Status.IsTerminal() {
		return 0, false
	}
	remaining := m.cfg.IdleTimeout - sess.IdleFor(m.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// probeOnce runs one heartbeat round-trip and applies the health rules.
func (m *Monitor) probeOnce(ctx context.Context, sess *core.Session, st *watchState) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	ok, latency := m.prober.Probe(probeCtx, sess)
	cancel()

	now := m.clock.Now()

	st.mu.Lock()
	st.lastProbe = now
	st.lastLatency = latency

	if ok {
		recovered := st.failures >= 1
		st.failures = 0
		st.lostEmitted = false
		st.healthy = true
		slowProbe := latency > m.cfg.LatencyWarn
		st.mu.Unlock()

		if recovered {
			m.bus.Publish(events.NewActivityDetectedEvent(sess.ID))
			m.logger.Info("session probe recovered", "session_id", sess.ID)
		}
		if slowProbe {
			m.bus.Publish(events.NewHealthDegradedEvent(sess.ID, "probe latency above threshold", latency))
		}
		m.predictAndWarn(sess, st, now)
		m.recordMetric(ctx, sess, true)
		return
	}

	st.failures++
	failures := st.failures
	st.healthy = false
	emitLost := failures >= m.cfg.FailureThreshold && !st.lostEmitted
	if emitLost {
		st.lostEmitted = true
	}
	st.mu.Unlock()

	m.bus.Publish(events.NewHealthDegradedEvent(sess.ID, "probe failed", latency))
	m.logger.Warn("session probe failed",
		"session_id", sess.ID,
		"consecutive_failures", failures,
		"threshold", m.cfg.FailureThreshold,
	)

	// A transient failure is swallowed; repeated failures cross into a lost
	// connection exactly once per episode.
	if emitLost {
		m.bus.Publish(events.NewConnectionLostEvent(sess.ID, "heartbeat failures exceeded threshold", failures))
		m.logger.Warn("connection lost", "session_id", sess.ID, "failures", failures)
	}

	m.applyInactivityRule(ctx, sess, now)
	m.recordMetric(ctx, sess, false)
}

// applyInactivityRule marks an Active session Inactive when it has had no
// connections or transfer for the window and the probe went unanswered.
func (m *Monitor) applyInactivityRule(ctx context.Context, sess *core.Session, now time.Time) {
	if sess.Status != core.StatusActive {
		return
	}
	if sess.IdleFor(now) < m.cfg.InactivityWindow {
		return
	}
	if err := m.registry.Transition(ctx, sess.ID, core.StatusInactive); err != nil {
		m.logger.Warn("marking session inactive failed", "session_id", sess.ID, "error", err)
		return
	}
	m.logger.Info("session marked inactive",
		"session_id", sess.ID,
		"idle", sess.IdleFor(now).Round(time.Second),
	)
}

// predictAndWarn emits TimeoutPredicted once per approach to the idle limit.
func (m *Monitor) predictAndWarn(sess *core.Session, st *watchState, now time.Time) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	remaining := m.cfg.IdleTimeout - sess.IdleFor(now)
	if remaining < 0 {
		remaining = 0
	}

	st.mu.Lock()
	if remaining <= m.cfg.PreemptiveThreshold {
		if st.warnedTimeout {
			st.mu.Unlock()
			return
		}
		st.warnedTimeout = true
		st.mu.Unlock()
		m.bus.Publish(events.NewTimeoutPredictedEvent(sess.ID, remaining))
		m.logger.Info("idle timeout predicted", "session_id", sess.ID, "remaining", remaining.Round(time.Second))
		return
	}
	st.warnedTimeout = false
	st.mu.Unlock()
}

// recordMetric persists one snapshot, tolerating store failures.
func (m *Monitor) recordMetric(ctx context.Context, sess *core.Session, healthy bool) {
	rec := core.MetricRecord{
		SessionID:   sess.ID,
		RecordedAt:  m.clock.Now(),
		BytesTotal:  sess.BytesTransfer,
		Connections: sess.ConnectionCount,
		Healthy:     healthy,
	}
	if err := m.store.SaveMetric(ctx, rec); err != nil {
		m.logger.Warn("persisting metric failed", "session_id", sess.ID, "error", err)
	}
}
