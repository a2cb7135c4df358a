// Package manager owns the session registry. All session mutation flows
// through it: creation under concurrency caps, status transitions, activity
// accounting, eviction and termination. Other components hold session ids
// only and read through cloned snapshots.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/events"
)

// Config holds the registry's concurrency caps.
type Config struct {
	// MaxPerTarget caps concurrently connected sessions per target.
	MaxPerTarget int
	// MaxTotal caps concurrently connected sessions across all targets.
	MaxTotal int
}

// Manager is the session registry. Create, find, evict and transition are
// atomic relative to each other.
type Manager struct {
	cfg    Config
	broker core.BrokerClient
	store  core.Store
	bus    *events.Bus
	clock  core.Clock
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*core.Session
	byTarget map[string]map[string]struct{}
}

// New creates a session manager.
func New(cfg Config, broker core.BrokerClient, store core.Store, bus *events.Bus, clock core.Clock, logger *slog.Logger) *Manager {
	if cfg.MaxPerTarget <= 0 {
		cfg.MaxPerTarget = 3
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 10
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Manager{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*core.Session),
		byTarget: make(map[string]map[string]struct{}),
	}
}

// Create establishes a new session to the configured target. At the
// per-target or global cap it first tries to evict the lowest-priority,
// longest-idle Inactive session; with nothing evictable it refuses with a
// resource-limit error carrying current usage.
func (m *Manager) Create(ctx context.Context, cfg core.SessionConfig) (*core.Session, error) {
	if cfg.TargetID == "" {
		return nil, core.ErrValidation("MISSING_TARGET", "session config requires a target id")
	}
	if cfg.RemotePort <= 0 || cfg.RemotePort > 65535 {
		return nil, core.ErrValidation("INVALID_PORT", fmt.Sprintf("remote port %d out of range", cfg.RemotePort))
	}

	sess := core.NewSession(cfg)

	m.mu.Lock()
	if err := m.reserveSlotLocked(sess); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	// The slot is reserved by the Connecting entry, so the broker call runs
	// outside the registry lock.
	handle, err := m.broker.StartSession(ctx, cfg)
	if err != nil {
		m.remove(sess.ID)
		return nil, err
	}

	m.mu.Lock()
	stored := m.sessions[sess.ID]
	if stored == nil {
		// Terminated while the broker call was in flight.
		m.mu.Unlock()
		if termErr := m.broker.TerminateSession(ctx, handle); termErr != nil {
			m.logger.Warn("terminating orphaned tunnel failed", "session_id", sess.ID, "error", termErr)
		}
		return nil, core.ErrNotFound("session", sess.ID)
	}
	stored.BrokerHandle = handle.ID
	if handle.LocalPort != 0 {
		stored.LocalPort = handle.LocalPort
	}
	stored.Status = core.StatusActive
	stored.LastActivity = m.clock.Now()
	stored.ConnectionCount = 1
	snapshot := stored.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.bus.Publish(events.NewSessionCreatedEvent(snapshot.ID, snapshot.TargetID, snapshot.LocalPort, snapshot.Priority.String()))
	m.bus.Publish(events.NewStatusChangedEvent(snapshot.ID, string(core.StatusConnecting), string(core.StatusActive)))
	m.logger.Info("session created",
		"session_id", snapshot.ID,
		"target_id", snapshot.TargetID,
		"local_port", snapshot.LocalPort,
		"priority", snapshot.Priority.String(),
	)
	return snapshot, nil
}

// reserveSlotLocked inserts the session if caps allow, evicting if needed.
func (m *Manager) reserveSlotLocked(sess *core.Session) error {
	targetActive := m.connectedForTargetLocked(sess.TargetID)
	if targetActive >= m.cfg.MaxPerTarget {
		if !m.evictLocked(sess.TargetID) {
			return core.ErrResourceLimit(
				fmt.Sprintf("target %s already has %d connected sessions", sess.TargetID, targetActive),
				targetActive, m.cfg.MaxPerTarget,
			)
		}
	}

	totalActive := m.connectedTotalLocked()
	if totalActive >= m.cfg.MaxTotal {
		if !m.evictLocked("") {
			return core.ErrResourceLimit(
				fmt.Sprintf("%d sessions connected across all targets", totalActive),
				totalActive, m.cfg.MaxTotal,
			)
		}
	}

	m.sessions[sess.ID] = sess
	if m.byTarget[sess.TargetID] == nil {
		m.byTarget[sess.TargetID] = make(map[string]struct{})
	}
	m.byTarget[sess.TargetID][sess.ID] = struct{}{}
	return nil
}

func (m *Manager) connectedForTargetLocked(targetID string) int {
	n := 0
	for id := range m.byTarget[targetID] {
		if s := m.sessions[id]; s != nil && s.IsConnected() {
			n++
		}
	}
	return n
}

func (m *Manager) connectedTotalLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.IsConnected() {
			n++
		}
	}
	return n
}

// evictLocked removes the best eviction candidate: Inactive sessions only,
// lowest priority first, longest idle breaking ties. targetID narrows the
// scope; empty means any target. Reports whether a session was evicted.
func (m *Manager) evictLocked(targetID string) bool {
	var victim *core.Session
	now := m.clock.Now()

	consider := func(s *core.Session) {
		if s.Status != core.StatusInactive {
			return
		}
		if victim == nil {
			victim = s
			return
		}
		if s.Priority < victim.Priority ||
			(s.Priority == victim.Priority && s.IdleFor(now) > victim.IdleFor(now)) {
			victim = s
		}
	}

	if targetID != "" {
		for id := range m.byTarget[targetID] {
			if s := m.sessions[id]; s != nil {
				consider(s)
			}
		}
	} else {
		for _, s := range m.sessions {
			consider(s)
		}
	}
	if victim == nil {
		return false
	}

	victim.Status = core.StatusTerminated
	m.removeLocked(victim.ID)
	m.logger.Info("session evicted",
		"session_id", victim.ID,
		"target_id", victim.TargetID,
		"priority", victim.Priority.String(),
	)
	m.bus.Publish(events.NewSessionEvictedEvent(victim.ID, victim.TargetID, "concurrency cap reached"))
	m.persistAsync(victim.Clone())
	return true
}

// Get returns a snapshot of the session, if present.
func (m *Manager) Get(id string) (*core.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns snapshots of all registered sessions, newest first.
func (m *Manager) List() []*core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*core.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindExisting returns snapshots of sessions matching the target and remote
// port. A zero port matches any port.
func (m *Manager) FindExisting(targetID string, remotePort int) []*core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Session
	for id := range m.byTarget[targetID] {
		s := m.sessions[id]
		if s == nil {
			continue
		}
		if remotePort != 0 && s.RemotePort != remotePort {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SuggestReuse picks the best candidate for reuse from a set of existing
// sessions: the healthiest status first (Active, then Reconnecting, then
// Inactive), most recent activity breaking ties. Returns nil when nothing
// is reusable.
func SuggestReuse(sessions []*core.Session) *core.Session {
	rank := func(s core.SessionStatus) int {
		switch s {
		case core.StatusActive:
			return 3
		case core.StatusReconnecting:
			return 2
		case core.StatusInactive:
			return 1
		default:
			return 0
		}
	}

	var best *core.Session
	for _, s := range sessions {
		if rank(s.Status) == 0 {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		if rank(s.Status) > rank(best.Status) ||
			(rank(s.Status) == rank(best.Status) && s.LastActivity.After(best.LastActivity)) {
			best = s
		}
	}
	return best
}

// Transition moves a session to a new status, enforcing the status machine.
// Illegal transitions are invariant violations, never applied silently.
func (m *Manager) Transition(ctx context.Context, id string, to core.SessionStatus) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("session", id)
	}
	from := s.Status
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !core.CanTransition(from, to) {
		m.mu.Unlock()
		return core.ErrInvariant("ILLEGAL_TRANSITION",
			fmt.Sprintf("session %s cannot move %s -> %s", id, from, to))
	}
	s.Status = to
	if to == core.StatusActive {
		s.LastActivity = m.clock.Now()
	}
	snapshot := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.bus.Publish(events.NewStatusChangedEvent(id, string(from), string(to)))
	m.logger.Debug("session status changed", "session_id", id, "from", from, "to", to)
	return nil
}

// RecordActivity updates the activity timestamp and transfer counters. The
// monitor calls this on observed traffic.
func (m *Manager) RecordActivity(ctx context.Context, id string, bytes int64, newConnection bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("session", id)
	}
	s.LastActivity = m.clock.Now()
	s.BytesTransfer += bytes
	if newConnection {
		s.ConnectionCount++
	}
	snapshot := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return nil
}

// SwapHandle replaces the session's tunnel handle in place, preserving its
// logical identity. Used by preemptive reconnection once a replacement
// tunnel is up.
func (m *Manager) SwapHandle(ctx context.Context, id string, handle core.BrokerHandle) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("session", id)
	}
	old := s.BrokerHandle
	s.BrokerHandle = handle.ID
	if handle.LocalPort != 0 {
		s.LocalPort = handle.LocalPort
	}
	s.LastActivity = m.clock.Now()
	snapshot := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.bus.Publish(events.NewPreemptiveSwapEvent(id, old, handle.ID))
	m.logger.Info("session handle swapped", "session_id", id, "old_handle", old, "new_handle", handle.ID)
	return nil
}

// Terminate stops the session's tunnel, marks it Terminated and removes it
// from the registry. Safe to call from any non-terminal status.
func (m *Manager) Terminate(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("session", id)
	}
	from := s.Status
	s.Status = core.StatusTerminated
	handle := core.BrokerHandle{ID: s.BrokerHandle, LocalPort: s.LocalPort}
	snapshot := s.Clone()
	m.removeLocked(id)
	m.mu.Unlock()

	if handle.ID != "" {
		if err := m.broker.TerminateSession(ctx, handle); err != nil {
			m.logger.Warn("broker terminate failed", "session_id", id, "error", err)
		}
	}

	m.persist(ctx, snapshot)
	m.bus.Publish(events.NewStatusChangedEvent(id, string(from), string(core.StatusTerminated)))
	m.bus.PublishPriority(events.NewSessionTerminatedEvent(id, reason))
	m.logger.Info("session terminated", "session_id", id, "reason", reason)
	return nil
}

// EnforceLimits evicts Inactive sessions until the global cap holds again.
// Run periodically; caps can be undershot after a config reload lowers them.
func (m *Manager) EnforceLimits(ctx context.Context) int {
	evicted := 0
	m.mu.Lock()
	for m.connectedTotalLocked() > m.cfg.MaxTotal {
		if !m.evictLocked("") {
			break
		}
		evicted++
	}
	m.mu.Unlock()
	return evicted
}

// UpdateLimits replaces the concurrency caps. Sessions over the new caps
// are not evicted here; callers follow up with EnforceLimits.
func (m *Manager) UpdateLimits(cfg Config) {
	m.mu.Lock()
	if cfg.MaxPerTarget > 0 {
		m.cfg.MaxPerTarget = cfg.MaxPerTarget
	}
	if cfg.MaxTotal > 0 {
		m.cfg.MaxTotal = cfg.MaxTotal
	}
	m.mu.Unlock()
}

// Stats summarizes the registry for the governor and status surfaces.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	BytesTotal  int64          `json:"bytes_total"`
	Connected   int            `json:"connected"`
	TargetCount int            `json:"target_count"`
}

// Stats returns aggregate registry counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{ByStatus: make(map[string]int)}
	targets := make(map[string]struct{})
	for _, s := range m.sessions {
		st.Total++
		st.ByStatus[string(s.Status)]++
		st.BytesTotal += s.BytesTransfer
		if s.IsConnected() {
			st.Connected++
		}
		targets[s.TargetID] = struct{}{}
	}
	st.TargetCount = len(targets)
	return st
}

// remove drops a session from the registry by id.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	m.removeLocked(id)
	m.mu.Unlock()
}

func (m *Manager) removeLocked(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if set := m.byTarget[s.TargetID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byTarget, s.TargetID)
		}
	}
}

// persist writes a session snapshot, tolerating store failures by logging.
func (m *Manager) persist(ctx context.Context, s *core.Session) {
	if err := m.store.SaveSession(ctx, s); err != nil {
		m.logger.Warn("persisting session failed", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) persistAsync(s *core.Session) {
	go m.persist(context.Background(), s)
}
