package autofix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/diag"
	"github.com/cloudtether/tether/internal/events"
)

// Config holds the orchestrator's execution settings.
type Config struct {
	// PollInterval is the registration poll cadence after an instance start.
	PollInterval time.Duration
	// RegistrationTimeout bounds how long a fix waits for the agent to
	// register before giving up.
	RegistrationTimeout time.Duration
	// Unattended executes instance starts without per-fix approval. When
	// false, a fix runs only if the caller approved it explicitly.
	Unattended bool
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = 5 * time.Minute
	}
}

// Orchestrator executes remediations. At most one attempt per target is in
// flight at a time; a second request while one runs is refused.
type Orchestrator struct {
	cfg    Config
	facts  core.FactsClient
	diag   *diag.Engine
	bus    *events.Bus
	clock  core.Clock
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates an auto-fix orchestrator.
func New(cfg Config, facts core.FactsClient, engine *diag.Engine, bus *events.Bus, clock core.Clock, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Orchestrator{
		cfg:      cfg,
		facts:    facts,
		diag:     engine,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

func (o *Orchestrator) acquire(targetID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[targetID] {
		return core.ErrValidation("FIX_IN_FLIGHT",
			fmt.Sprintf("a fix attempt for %s is already running", targetID))
	}
	o.inflight[targetID] = true
	return nil
}

func (o *Orchestrator) release(targetID string) {
	o.mu.Lock()
	delete(o.inflight, targetID)
	o.mu.Unlock()
}

// setState advances the attempt and publishes the change. Invariant
// violations are logged, never swallowed silently.
func (o *Orchestrator) setState(a *Attempt, to AttemptState, message string) {
	if err := a.transition(to, o.clock.Now()); err != nil {
		o.logger.Error("fix state machine violation", "attempt_id", a.ID, "error", err)
		return
	}
	if message != "" {
		a.Message = message
	}
	o.bus.Publish(events.NewFixStateChangedEvent(a.TargetID, string(a.Fix), string(to), message))
}

// FixFinding dispatches a finding to its remediation. Auto-executable fixes
// run under the configured approval policy; policy-change findings always
// come back as manual steps.
func (o *Orchestrator) FixFinding(ctx context.Context, targetID string, finding core.Finding) (*Attempt, error) {
	switch finding.Check {
	case core.CheckInstanceState:
		return o.FixInstanceState(ctx, targetID, false)
	case core.CheckAgentRegistration:
		return o.FixAgent(ctx, targetID)
	case core.CheckPermissions:
		return o.SuggestPermissions(targetID, []core.Finding{finding}), nil
	case core.CheckNetworkPath:
		return o.SuggestNetwork(targetID, []core.Finding{finding}), nil
	default:
		return nil, core.ErrValidation("UNKNOWN_FIX", fmt.Sprintf("no fix for check %q", finding.Check))
	}
}

// FixInstanceState starts a stopped target and waits for its agent to
// register, emitting wait progress on every poll tick. Fix failures are
// captured in the attempt's terminal state; the error return covers only
// refusals to start one.
func (o *Orchestrator) FixInstanceState(ctx context.Context, targetID string, approved bool) (*Attempt, error) {
	if err := o.acquire(targetID); err != nil {
		return nil, err
	}
	defer o.release(targetID)

	a := newAttempt(targetID, FixInstanceState, o.clock.Now())
	o.bus.Publish(events.NewFixStateChangedEvent(targetID, string(a.Fix), string(StatePending), ""))

	if a.Risk >= RiskMedium && !o.cfg.Unattended && !approved {
		o.setState(a, StateInProgress, "checking approval")
		a.Steps = []string{
			fmt.Sprintf("Approve starting instance %s", targetID),
			"Re-run the fix with approval, or enable unattended mode",
		}
		o.setState(a, StateRequiresUserApproval, "instance start requires approval")
		return a, nil
	}

	o.setState(a, StateInProgress, "starting instance")
	if err := o.facts.StartInstance(ctx, targetID); err != nil {
		a.Recommendations = []string{
			"Verify the caller may start the instance",
			"Check the instance is not in a transitional state",
		}
		o.setState(a, StateFailed, fmt.Sprintf("start request failed: %v", err))
		return a, nil
	}

	if err := o.waitForRegistration(ctx, a); err != nil {
		a.Recommendations = []string{
			"Check the instance booted correctly (system log, status checks)",
			"Verify the broker agent is installed and enabled on the target",
			"Confirm the target's network path to the broker endpoint",
		}
		o.setState(a, StateFailed, err.Error())
		return a, nil
	}

	o.verifyAndFinish(ctx, a, core.Finding{Check: core.CheckInstanceState, Severity: core.SeverityError})
	return a, nil
}

// FixAgent restarts the broker agent on the target and re-verifies its
// registration.
func (o *Orchestrator) FixAgent(ctx context.Context, targetID string) (*Attempt, error) {
	if err := o.acquire(targetID); err != nil {
		return nil, err
	}
	defer o.release(targetID)

	a := newAttempt(targetID, FixAgentRestart, o.clock.Now())
	o.bus.Publish(events.NewFixStateChangedEvent(targetID, string(a.Fix), string(StatePending), ""))
	o.setState(a, StateInProgress, "restarting agent")

	if err := o.facts.RestartAgent(ctx, targetID); err != nil {
		a.Recommendations = []string{
			"Verify the caller may send commands to the target",
			"Restart the agent manually on the target host",
		}
		o.setState(a, StateFailed, fmt.Sprintf("agent restart failed: %v", err))
		return a, nil
	}

	if err := o.waitForRegistration(ctx, a); err != nil {
		a.Recommendations = []string{
			"Inspect the agent's logs on the target host",
			"Confirm the agent version supports the broker endpoint",
		}
		o.setState(a, StateFailed, err.Error())
		return a, nil
	}

	o.verifyAndFinish(ctx, a, core.Finding{Check: core.CheckAgentRegistration, Severity: core.SeverityCritical})
	return a, nil
}

// SuggestPermissions builds an approval-gated attempt carrying the manual
// policy steps. It never touches identity policy.
func (o *Orchestrator) SuggestPermissions(targetID string, findings []core.Finding) *Attempt {
	a := newAttempt(targetID, FixPermissions, o.clock.Now())
	o.bus.Publish(events.NewFixStateChangedEvent(targetID, string(a.Fix), string(StatePending), ""))
	o.setState(a, StateInProgress, "collecting policy remediation steps")
	a.Steps = SuggestPermissionFixes(findings)
	if len(a.Steps) == 0 {
		o.setState(a, StateSuccess, "no missing permissions to remediate")
		return a
	}
	o.setState(a, StateRequiresUserApproval, "identity policy changes require approval")
	return a
}

// SuggestNetwork builds a manual-intervention attempt carrying the ordered
// network remediation steps.
func (o *Orchestrator) SuggestNetwork(targetID string, findings []core.Finding) *Attempt {
	a := newAttempt(targetID, FixNetworkPath, o.clock.Now())
	o.bus.Publish(events.NewFixStateChangedEvent(targetID, string(a.Fix), string(StatePending), ""))
	o.setState(a, StateInProgress, "collecting network remediation steps")
	a.Steps = SuggestNetworkFixes(findings)
	if len(a.Steps) == 0 {
		o.setState(a, StateSuccess, "no network breaks to remediate")
		return a
	}
	o.setState(a, StateRequiresManualIntervention, "network configuration changes are applied manually")
	return a
}

// waitForRegistration polls the agent registration on the configured cadence
// until it registers, the budget runs out, or the context ends. Every tick
// emits wait progress.
func (o *Orchestrator) waitForRegistration(ctx context.Context, a *Attempt) error {
	start := o.clock.Now()
	maxSec := int(o.cfg.RegistrationTimeout / time.Second)
	checks := 0

	for {
		if err := o.clock.Sleep(ctx, o.cfg.PollInterval); err != nil {
			return fmt.Errorf("wait cancelled: %w", err)
		}
		checks++
		elapsed := o.clock.Now().Sub(start)
		a.Waited = elapsed
		o.bus.Publish(events.NewWaitProgressEvent("", a.TargetID,
			int(elapsed/time.Second), maxSec, checks, "waiting for agent registration"))

		reg, err := o.facts.DescribeAgentRegistration(ctx, a.TargetID)
		if err != nil {
			if core.IsRetryable(err) {
				o.logger.Debug("registration poll failed, retrying", "target_id", a.TargetID, "error", err)
			} else {
				return err
			}
		} else if reg.Registered {
			o.logger.Info("agent registered",
				"target_id", a.TargetID,
				"waited", elapsed.Round(time.Second),
				"checks", checks,
			)
			return nil
		}

		if elapsed >= o.cfg.RegistrationTimeout {
			return core.ErrRegistrationTimeout(a.TargetID, elapsed.Seconds())
		}
	}
}

// verifyAndFinish re-runs the originating check and requires a strict
// severity downgrade before the attempt counts as success.
func (o *Orchestrator) verifyAndFinish(ctx context.Context, a *Attempt, original core.Finding) {
	ok, err := o.VerifyFix(ctx, a.TargetID, original)
	if err != nil {
		o.setState(a, StateFailed, fmt.Sprintf("verification failed: %v", err))
		return
	}
	if !ok {
		a.Recommendations = []string{
			"Run full diagnostics for the current findings",
		}
		o.setState(a, StateFailed, "fix applied but the originating check did not improve")
		return
	}
	a.Verified = true
	o.setState(a, StateSuccess, "originating check downgraded after fix")
}

// VerifyFix re-runs the finding's originating check and reports whether the
// matching findings are now strictly less severe than the original. It has
// no side effects; two calls with no intervening state change agree.
func (o *Orchestrator) VerifyFix(ctx context.Context, targetID string, original core.Finding) (bool, error) {
	findings, err := o.diag.RunCheck(ctx, original.Check, targetID)
	if err != nil {
		return false, err
	}

	current := core.SeverityInfo
	for _, f := range findings {
		if original.Permission != "" && f.Permission != original.Permission {
			continue
		}
		if original.Step != "" && f.Step != original.Step {
			continue
		}
		if f.Severity > current {
			current = f.Severity
		}
	}
	return current < original.Severity, nil
}
