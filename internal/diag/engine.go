package diag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudtether/tether/internal/core"
)

// Config holds the engine's execution settings.
type Config struct {
	// Parallelism bounds concurrent checks in one run; 1 means sequential.
	Parallelism int
	// Timeout caps one full run. Checks still unfinished when it expires are
	// reported as skipped findings, never silently dropped.
	Timeout time.Duration
	// AgentStaleThreshold is how old the agent's last ping may be before the
	// registration check warns.
	AgentStaleThreshold time.Duration
	// RequiredActions overrides the default permission action set.
	RequiredActions []string
}

func (c *Config) applyDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.AgentStaleThreshold <= 0 {
		c.AgentStaleThreshold = 10 * time.Minute
	}
}

// Report is the result of one diagnostic run.
type Report struct {
	TargetID   string           `json:"target_id"`
	Findings   []core.Finding   `json:"findings"`
	Likelihood core.Likelihood  `json:"likelihood"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Skipped    []core.CheckKind `json:"skipped,omitempty"`
}

// Engine executes diagnostic checks against a target.
type Engine struct {
	cfg    Config
	facts  core.FactsClient
	logger *slog.Logger
}

// New creates a diagnostic engine.
func New(cfg Config, facts core.FactsClient, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, facts: facts, logger: logger}
}

// RunCheck executes a single check by kind.
func (e *Engine) RunCheck(ctx context.Context, kind core.CheckKind, targetID string) ([]core.Finding, error) {
	fn, ok := checkTable[kind]
	if !ok {
		return nil, core.ErrValidation("UNKNOWN_CHECK", fmt.Sprintf("no check named %q", kind))
	}
	findings := fn(ctx, e.facts, targetID, e.cfg)
	core.SortFindings(findings)
	return findings, nil
}

// RunFull executes every check with bounded parallelism under the overall
// timeout and scores the aggregated findings. Findings come back sorted by
// check name regardless of execution interleaving.
func (e *Engine) RunFull(ctx context.Context, targetID string) Report {
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	kinds := core.AllCheckKinds()
	var (
		mu       sync.Mutex
		sealed   bool
		findings []core.Finding
		done     = make(map[core.CheckKind]bool, len(kinds))
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(e.cfg.Parallelism)
	for _, kind := range kinds {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			result := checkTable[kind](gctx, e.facts, targetID, e.cfg)
			mu.Lock()
			if !sealed {
				findings = append(findings, result...)
				done[kind] = true
			}
			mu.Unlock()
			return nil
		})
	}

	// Never block past the run timeout, even on a check that ignores its
	// context. Late results are discarded once the run is sealed.
	waitDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-runCtx.Done():
	}

	mu.Lock()
	sealed = true
	// Anything the timeout cut off becomes an explicit skip finding.
	var skipped []core.CheckKind
	for _, kind := range kinds {
		if done[kind] {
			continue
		}
		skipped = append(skipped, kind)
		findings = append(findings, core.Finding{
			Check:    kind,
			Severity: core.SeverityWarning,
			Message:  fmt.Sprintf("check %s did not finish within %s", kind, e.cfg.Timeout),
			Skipped:  true,
		})
	}
	mu.Unlock()

	core.SortFindings(findings)
	report := Report{
		TargetID:   targetID,
		Findings:   findings,
		Likelihood: core.EvaluateLikelihood(findings),
		StartedAt:  started,
		Duration:   time.Since(started),
		Skipped:    skipped,
	}

	e.logger.Info("diagnostics complete",
		"target_id", targetID,
		"findings", len(findings),
		"skipped", len(skipped),
		"likelihood_pct", report.Likelihood.Percentage,
		"band", report.Likelihood.Band,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report
}

// PreflightGate runs full diagnostics and refuses the connection when a
// critical finding is present, returning the report either way. Connect
// paths consult it before invoking the tunnel broker.
func (e *Engine) PreflightGate(ctx context.Context, targetID string) (Report, error) {
	report := e.RunFull(ctx, targetID)
	if core.HasCritical(report.Findings) {
		var recs []string
		for _, f := range report.Findings {
			if f.Severity == core.SeverityCritical && f.Recommendation != "" {
				recs = append(recs, f.Recommendation)
			}
		}
		err := core.ErrValidation("PREFLIGHT_BLOCKED",
			fmt.Sprintf("connection to %s blocked by critical findings", targetID))
		for i, rec := range recs {
			err = err.WithDetail(fmt.Sprintf("recommendation_%d", i+1), rec)
		}
		return report, err
	}
	return report, nil
}
