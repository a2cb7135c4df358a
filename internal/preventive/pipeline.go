// Package preventive runs the pre-connection check pipeline: a fixed,
// ordered walk over the diagnostic checks with per-stage progress reporting
// and optional early abort on critical findings.
package preventive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/diag"
	"github.com/cloudtether/tether/internal/events"
)

// Status summarizes a pipeline run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// Config holds the pipeline settings.
type Config struct {
	// AbortOnCritical halts the pipeline when a stage produces a critical
	// finding. Later stages never run; the result is marked partial.
	AbortOnCritical bool
	// Timeout bounds the whole run. Stages unfinished when it expires are
	// reported as skipped.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Result is the outcome of a preventive run. When Partial is true the
// likelihood covers only the stages that ran and must be read as
// pessimistic, not authoritative.
type Result struct {
	TargetID        string                    `json:"target_id"`
	Status          Status                    `json:"status"`
	Findings        []core.Finding            `json:"findings"`
	Likelihood      core.Likelihood           `json:"likelihood"`
	Partial         bool                      `json:"partial"`
	StagesRun       int                       `json:"stages_run"`
	StagesTotal     int                       `json:"stages_total"`
	Commands        []string                  `json:"suggested_commands,omitempty"`
	Troubleshooting map[core.CheckKind]string `json:"troubleshooting,omitempty"`
	Duration        time.Duration             `json:"duration"`
}

// Pipeline executes the staged checks through the diagnostic engine.
type Pipeline struct {
	cfg    Config
	engine *diag.Engine
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a preventive-check pipeline.
func New(cfg Config, engine *diag.Engine, bus *events.Bus, logger *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg, engine: engine, bus: bus, logger: logger}
}

// Run walks the stages in order. Each stage's progress is published before
// the next stage starts.
func (p *Pipeline) Run(ctx context.Context, targetID string) Result {
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	stages := core.AllCheckKinds()
	result := Result{
		TargetID:    targetID,
		StagesTotal: len(stages),
	}

	aborted := false
	for i, kind := range stages {
		if runCtx.Err() != nil {
			result.Findings = append(result.Findings, skipFinding(kind, p.cfg.Timeout))
			result.Partial = true
			continue
		}
		if aborted {
			continue
		}

		stageFindings, err := p.engine.RunCheck(runCtx, kind, targetID)
		if err != nil {
			// RunCheck fails only on an unknown kind; the walk uses the
			// closed set so this is a programming error.
			p.logger.Error("preventive stage dispatch failed", "check", kind, "error", err)
			continue
		}
		result.Findings = append(result.Findings, stageFindings...)
		result.StagesRun++

		p.bus.Publish(events.NewCheckProgressEvent(targetID, string(kind), i+1, len(stages), len(stageFindings)))
		p.logger.Debug("preventive stage complete",
			"target_id", targetID,
			"stage", kind,
			"index", i+1,
			"total", len(stages),
			"findings", len(stageFindings),
		)

		if p.cfg.AbortOnCritical && core.HasCritical(stageFindings) {
			aborted = true
			result.Partial = true
		}
	}

	core.SortFindings(result.Findings)
	result.Likelihood = core.EvaluateLikelihood(result.Findings)
	result.Status = statusFor(result.Findings, aborted)
	result.Commands = suggestedCommands(targetID, result.Findings)
	result.Troubleshooting = troubleshooting(result.Findings)
	result.Duration = time.Since(started)

	p.logger.Info("preventive check complete",
		"target_id", targetID,
		"status", result.Status,
		"stages_run", result.StagesRun,
		"likelihood_pct", result.Likelihood.Percentage,
		"partial", result.Partial,
	)
	return result
}

func skipFinding(kind core.CheckKind, timeout time.Duration) core.Finding {
	return core.Finding{
		Check:    kind,
		Severity: core.SeverityWarning,
		Message:  fmt.Sprintf("stage %s did not run within %s", kind, timeout),
		Skipped:  true,
	}
}

func statusFor(findings []core.Finding, aborted bool) Status {
	if aborted {
		return StatusAborted
	}
	switch core.MaxSeverity(findings) {
	case core.SeverityCritical, core.SeverityError:
		return StatusFailed
	case core.SeverityWarning:
		return StatusWarning
	default:
		return StatusPassed
	}
}

// suggestedCommands maps failed stages to the detailed-analysis command a
// user would run next, one per failed check, in stage order.
func suggestedCommands(targetID string, findings []core.Finding) []string {
	failed := make(map[core.CheckKind]bool)
	for _, f := range findings {
		if f.Severity >= core.SeverityError && !f.Skipped {
			failed[f.Check] = true
		}
	}

	var commands []string
	for _, kind := range core.AllCheckKinds() {
		if failed[kind] {
			commands = append(commands, fmt.Sprintf("tether diagnose %s --check %s", targetID, kind))
		}
	}
	if len(commands) > 0 {
		commands = append(commands, fmt.Sprintf("tether diagnose %s", targetID))
	}
	return commands
}

// troubleshootingText indexes guidance by check category.
var troubleshootingText = map[core.CheckKind]string{
	core.CheckInstanceState: "The target must be running before a session can be brokered. " +
		"Start it from the provider console or let auto-fix start it, then wait for status checks to pass.",
	core.CheckAgentRegistration: "The broker agent on the target must be running and registered. " +
		"Check the agent service on the host, its version, and its outbound connectivity to the broker endpoint.",
	core.CheckPermissions: "The calling principal is missing required broker actions. " +
		"Review the attached policies and add Allow statements for the listed actions.",
	core.CheckNetworkPath: "Traffic from the target to the broker endpoint is blocked. " +
		"Walk the path in order: endpoint, endpoint policy, route table, security rules, name resolution.",
}

// troubleshooting returns the guidance for each check that produced at
// least an error-level finding.
func troubleshooting(findings []core.Finding) map[core.CheckKind]string {
	out := make(map[core.CheckKind]string)
	for _, f := range findings {
		if f.Severity >= core.SeverityError && !f.Skipped {
			out[f.Check] = troubleshootingText[f.Check]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
