// Package service wires the session manager, health monitor, reconnector,
// diagnostic engine, auto-fix orchestrator, and resource governor into one
// running application.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/cloudtether/tether/internal/adapters/state"
	"github.com/cloudtether/tether/internal/autofix"
	"github.com/cloudtether/tether/internal/cloud"
	"github.com/cloudtether/tether/internal/config"
	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/diag"
	"github.com/cloudtether/tether/internal/events"
	"github.com/cloudtether/tether/internal/governor"
	"github.com/cloudtether/tether/internal/manager"
	"github.com/cloudtether/tether/internal/monitor"
	"github.com/cloudtether/tether/internal/preventive"
	"github.com/cloudtether/tether/internal/reconnect"
)

// Service owns every component and their shared event bus.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus         *events.Bus
	Store       core.Store
	Facts       core.FactsClient
	Broker      core.BrokerClient
	Manager     *manager.Manager
	Monitor     *monitor.Monitor
	Reconnector *reconnect.Reconnector
	Governor    *governor.Governor
	Diag        *diag.Engine
	Fixer       *autofix.Orchestrator
	Preventive  *preventive.Pipeline
}

// Options overrides component wiring, primarily for tests.
type Options struct {
	Facts   core.FactsClient
	Broker  core.BrokerClient
	Store   core.Store
	Sampler governor.Sampler
	Prober  core.Prober
	Clock   core.Clock
}

// New assembles a service from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	facts := opts.Facts
	broker := opts.Broker
	if facts == nil || broker == nil {
		client := cloud.New(cloud.Config{}, logger)
		if facts == nil {
			facts = client
		}
		if broker == nil {
			broker = client
		}
	}

	st := opts.Store
	if st == nil {
		var err error
		st, err = state.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening session store: %w", err)
		}
	}

	bus := events.New(256)

	sampler := opts.Sampler
	if sampler == nil {
		var err error
		sampler, err = governor.NewProcessSampler()
		if err != nil {
			return nil, fmt.Errorf("initializing resource sampler: %w", err)
		}
	}
	gov := governor.New(governor.Config{
		SampleInterval:  cfg.Governor.SampleInterval,
		MemoryLimitMB:   cfg.Governor.MemoryLimitMB,
		CPULimitPercent: cfg.Governor.CPULimitPercent,
		StabilityWindow: cfg.Governor.StabilityWindow,
	}, sampler, bus, logger)

	mgr := manager.New(manager.Config{
		MaxPerTarget: cfg.Limits.MaxSessionsPerTarget,
		MaxTotal:     cfg.Limits.MaxTotalSessions,
	}, broker, st, bus, clock, logger)

	prober := opts.Prober
	if prober == nil {
		prober = monitor.NewTCPProber(cfg.Monitor.ProbeTimeout)
	}
	mon := monitor.New(monitor.Config{
		HeartbeatInterval:   cfg.Monitor.HeartbeatInterval,
		LowPowerInterval:    cfg.Monitor.LowPowerInterval,
		ProbeTimeout:        cfg.Monitor.ProbeTimeout,
		FailureThreshold:    cfg.Monitor.FailureThreshold,
		InactivityWindow:    cfg.Monitor.InactivityThreshold,
		LatencyWarn:         cfg.Monitor.HighLatency,
		IdleTimeout:         cfg.Monitor.SessionTimeout,
		PreemptiveThreshold: cfg.Monitor.PredictWindow,
	}, mgr, prober, st, bus, gov, clock, logger)

	rec, err := reconnect.New(reconnect.Policy{
		Enabled:            cfg.Reconnect.Enabled,
		MaxAttempts:        cfg.Reconnect.MaxAttempts,
		BaseDelay:          cfg.Reconnect.BaseDelay,
		MaxDelay:           cfg.Reconnect.MaxDelay,
		Aggressive:         cfg.Reconnect.AggressiveMode,
		AggressiveAttempts: cfg.Reconnect.AggressiveAttempts,
		AggressiveInterval: cfg.Reconnect.AggressiveInterval,
	}, mgr, broker, bus, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("building reconnect policy: %w", err)
	}

	engine := diag.New(diag.Config{
		Parallelism:         diagParallelism(cfg),
		Timeout:             cfg.Diag.Timeout,
		AgentStaleThreshold: cfg.Diag.StalePing,
		RequiredActions:     cfg.RequiredActionsOrDefault(),
	}, facts, logger)

	fixer := autofix.New(autofix.Config{
		PollInterval:        cfg.Fix.RegistrationInterval,
		RegistrationTimeout: cfg.Fix.RegistrationTimeout,
		Unattended:          cfg.Fix.Unattended,
	}, facts, engine, bus, clock, logger)

	prev := preventive.New(preventive.Config{
		AbortOnCritical: cfg.Diag.AbortOnCritical,
		Timeout:         cfg.Diag.Timeout,
	}, engine, bus, logger)

	return &Service{
		cfg:         cfg,
		logger:      logger,
		Bus:         bus,
		Store:       st,
		Facts:       facts,
		Broker:      broker,
		Manager:     mgr,
		Monitor:     mon,
		Reconnector: rec,
		Governor:    gov,
		Diag:        engine,
		Fixer:       fixer,
		Preventive:  prev,
	}, nil
}

func diagParallelism(cfg *config.Config) int {
	if !cfg.Diag.Parallel {
		return 1
	}
	return cfg.Diag.Parallelism
}

// Run starts the background loops and blocks until the context ends.
func (s *Service) Run(ctx context.Context) error {
	s.Governor.Start(ctx)
	s.Reconnector.Run(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.trackSessionCount(gctx)
		return nil
	})

	<-ctx.Done()
	s.Governor.Stop()
	_ = g.Wait()
	s.Close()
	return nil
}

// trackSessionCount keeps the governor's session gauge current.
func (s *Service) trackSessionCount(ctx context.Context) {
	sub := s.Bus.Subscribe(
		events.TypeSessionCreated,
		events.TypeSessionTerminated,
		events.TypeSessionEvicted,
		events.TypeStatusChanged,
	)
	defer s.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
			s.Governor.SetActiveSessions(s.Manager.Stats().Connected)
		}
	}
}

// Close releases the bus and the store.
func (s *Service) Close() {
	s.Bus.Close()
	if err := s.Store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}
}

// ApplyConfig picks up a changed configuration at runtime: governor
// ceilings, reconnect policy, and session caps. Invalid updates are logged
// and skipped; the running configuration stays intact.
func (s *Service) ApplyConfig(ctx context.Context, cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		s.logger.Warn("ignoring invalid config update", "error", err)
		return
	}

	s.Governor.UpdateLimits(cfg.Governor.MemoryLimitMB, cfg.Governor.CPULimitPercent)

	if err := s.Reconnector.ConfigurePolicy(reconnect.Policy{
		Enabled:            cfg.Reconnect.Enabled,
		MaxAttempts:        cfg.Reconnect.MaxAttempts,
		BaseDelay:          cfg.Reconnect.BaseDelay,
		MaxDelay:           cfg.Reconnect.MaxDelay,
		Aggressive:         cfg.Reconnect.AggressiveMode,
		AggressiveAttempts: cfg.Reconnect.AggressiveAttempts,
		AggressiveInterval: cfg.Reconnect.AggressiveInterval,
	}); err != nil {
		s.logger.Warn("ignoring invalid reconnect policy update", "error", err)
	}

	s.Manager.UpdateLimits(manager.Config{
		MaxPerTarget: cfg.Limits.MaxSessionsPerTarget,
		MaxTotal:     cfg.Limits.MaxTotalSessions,
	})
	if evicted := s.Manager.EnforceLimits(ctx); evicted > 0 {
		s.logger.Info("sessions evicted after limit change", "count", evicted)
	}

	s.cfg = cfg
	s.logger.Info("configuration reloaded")
}

// ConnectOptions controls session establishment.
type ConnectOptions struct {
	// SkipPreflight bypasses the diagnostic gate.
	SkipPreflight bool
	// Reuse returns an existing healthy session for the same target and
	// port instead of creating another one.
	Reuse bool
}

// Connect resolves the diagnostic gate, optionally reuses an existing
// session, creates the session, and puts it under health monitoring.
func (s *Service) Connect(ctx context.Context, cfg core.SessionConfig, opts ConnectOptions) (*core.Session, error) {
	if opts.Reuse {
		if existing := manager.SuggestReuse(s.Manager.FindExisting(cfg.TargetID, cfg.RemotePort)); existing != nil {
			s.logger.Info("reusing existing session",
				"session_id", existing.ID,
				"target_id", cfg.TargetID,
			)
			return existing, nil
		}
	}

	if !opts.SkipPreflight {
		if _, err := s.Diag.PreflightGate(ctx, cfg.TargetID); err != nil {
			return nil, err
		}
	}

	sess, err := s.Manager.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.Monitor.Start(context.WithoutCancel(ctx), sess.ID)
	return sess, nil
}

// Terminate stops monitoring and destroys the session.
func (s *Service) Terminate(ctx context.Context, sessionID, reason string) error {
	s.Monitor.Stop(sessionID)
	return s.Manager.Terminate(ctx, sessionID, reason)
}

// ResolveTarget maps a name to a target id: a literal id passes through, a
// configured alias resolves exactly, and a close alias match resolves
// fuzzily when unambiguous.
func (s *Service) ResolveTarget(name string) (string, error) {
	if name == "" {
		return "", core.ErrValidation("EMPTY_TARGET", "target name is required")
	}
	if id, ok := s.cfg.Targets[name]; ok {
		return id, nil
	}
	if len(s.cfg.Targets) == 0 {
		return name, nil
	}

	aliases := make([]string, 0, len(s.cfg.Targets))
	for alias := range s.cfg.Targets {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	matches := fuzzy.Find(name, aliases)
	switch len(matches) {
	case 0:
		return name, nil
	case 1:
		alias := matches[0].Str
		s.logger.Debug("fuzzy target match", "input", name, "alias", alias)
		return s.cfg.Targets[alias], nil
	default:
		candidates := make([]string, 0, len(matches))
		for _, m := range matches {
			candidates = append(candidates, m.Str)
		}
		return "", core.ErrValidation("AMBIGUOUS_TARGET",
			fmt.Sprintf("%q matches multiple aliases: %v", name, candidates))
	}
}

// Uptime is a convenience for status surfaces.
func Uptime(s *core.Session, now time.Time) time.Duration {
	return now.Sub(s.CreatedAt).Round(time.Second)
}
