// Package diag runs the pre-connection diagnostic checks and scores the
// resulting findings into a connection likelihood.
package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudtether/tether/internal/core"
)

// CheckFunc is one diagnostic check: pure over the facts it fetches, one or
// more findings out. A returned error means the facts themselves were
// unavailable; the engine converts it into a finding rather than aborting
// the run.
type CheckFunc func(ctx context.Context, facts core.FactsClient, targetID string, cfg Config) []core.Finding

// checkTable dispatches the closed set of checks by kind.
var checkTable = map[core.CheckKind]CheckFunc{
	core.CheckInstanceState:     checkInstanceState,
	core.CheckAgentRegistration: checkAgentRegistration,
	core.CheckPermissions:       checkPermissions,
	core.CheckNetworkPath:       checkNetworkPath,
}

// factsUnavailable converts a facts-client failure into a finding so a
// broken provider call never silently drops a check.
func factsUnavailable(kind core.CheckKind, err error) []core.Finding {
	severity := core.SeverityError
	recommendation := "Retry the diagnostics; the provider call failed"
	if core.CategoryOf(err) == core.ErrCatAuth {
		severity = core.SeverityCritical
		recommendation = "Grant the caller permission to read target facts"
	}
	return []core.Finding{{
		Check:          kind,
		Severity:       severity,
		Message:        fmt.Sprintf("could not evaluate %s: %v", kind, err),
		Recommendation: recommendation,
	}}
}

// checkInstanceState maps the target's lifecycle state to a finding:
// stopped is an error (auto-fixable), transitional states warn, running is
// informational.
func checkInstanceState(ctx context.Context, facts core.FactsClient, targetID string, _ Config) []core.Finding {
	state, err := facts.DescribeInstanceState(ctx, targetID)
	if err != nil {
		return factsUnavailable(core.CheckInstanceState, err)
	}

	switch state {
	case core.InstanceRunning:
		return []core.Finding{{
			Check:    core.CheckInstanceState,
			Severity: core.SeverityInfo,
			Message:  fmt.Sprintf("instance %s is running", targetID),
		}}
	case core.InstancePending, core.InstanceStopping:
		return []core.Finding{{
			Check:          core.CheckInstanceState,
			Severity:       core.SeverityWarning,
			Message:        fmt.Sprintf("instance %s is %s", targetID, state),
			Recommendation: "Wait for the instance to settle before connecting",
		}}
	case core.InstanceStopped:
		return []core.Finding{{
			Check:          core.CheckInstanceState,
			Severity:       core.SeverityError,
			Message:        fmt.Sprintf("instance %s is stopped", targetID),
			Recommendation: "Start the instance, or let auto-fix start it",
			AutoFixable:    true,
		}}
	default:
		return []core.Finding{{
			Check:          core.CheckInstanceState,
			Severity:       core.SeverityWarning,
			Message:        fmt.Sprintf("instance %s reports unknown state %q", targetID, state),
			Recommendation: "Verify the target id and provider availability",
		}}
	}
}

// checkAgentRegistration flags an unregistered broker agent as critical and
// a stale last ping as a warning.
func checkAgentRegistration(ctx context.Context, facts core.FactsClient, targetID string, cfg Config) []core.Finding {
	reg, err := facts.DescribeAgentRegistration(ctx, targetID)
	if err != nil {
		return factsUnavailable(core.CheckAgentRegistration, err)
	}

	if !reg.Registered {
		return []core.Finding{{
			Check:          core.CheckAgentRegistration,
			Severity:       core.SeverityCritical,
			Message:        fmt.Sprintf("broker agent on %s is not registered", targetID),
			Recommendation: "Restart the agent on the target, or let auto-fix restart it",
			AutoFixable:    true,
		}}
	}

	if !reg.LastPing.IsZero() && time.Since(reg.LastPing) > cfg.AgentStaleThreshold {
		return []core.Finding{{
			Check:          core.CheckAgentRegistration,
			Severity:       core.SeverityWarning,
			Message:        fmt.Sprintf("agent last pinged %s ago", time.Since(reg.LastPing).Round(time.Minute)),
			Recommendation: "The agent may be wedged; consider restarting it",
			AutoFixable:    true,
		}}
	}

	return []core.Finding{{
		Check:    core.CheckAgentRegistration,
		Severity: core.SeverityInfo,
		Message:  fmt.Sprintf("agent registered (version %s)", reg.Version),
	}}
}

// checkPermissions evaluates every required action and emits one finding per
// missing permission, never a single opaque failure.
func checkPermissions(ctx context.Context, facts core.FactsClient, targetID string, cfg Config) []core.Finding {
	actions := cfg.RequiredActions
	if len(actions) == 0 {
		actions = core.DefaultRequiredActions()
	}

	grants, err := facts.DescribePermissions(ctx, targetID, actions)
	if err != nil {
		return factsUnavailable(core.CheckPermissions, err)
	}

	var findings []core.Finding
	for _, g := range grants {
		if g.Allowed {
			continue
		}
		findings = append(findings, core.Finding{
			Check:          core.CheckPermissions,
			Severity:       core.SeverityError,
			Message:        fmt.Sprintf("caller is missing %s on %s", g.Action, targetID),
			Recommendation: fmt.Sprintf("Attach a policy granting %s", g.Action),
			Permission:     g.Action,
		})
	}
	if len(findings) == 0 {
		findings = append(findings, core.Finding{
			Check:    core.CheckPermissions,
			Severity: core.SeverityInfo,
			Message:  fmt.Sprintf("all %d required actions are allowed", len(actions)),
		})
	}
	return findings
}

// networkStepResult pairs a walk step with its pass state and messaging.
type networkStepResult struct {
	step           core.NetworkStep
	ok             bool
	failMessage    string
	recommendation string
}

// checkNetworkPath walks the full endpoint path. Every step is evaluated
// even after the first break so the findings describe the complete picture.
func checkNetworkPath(ctx context.Context, facts core.FactsClient, targetID string, _ Config) []core.Finding {
	nc, err := facts.DescribeNetworkConfig(ctx, targetID)
	if err != nil {
		return factsUnavailable(core.CheckNetworkPath, err)
	}

	steps := []networkStepResult{
		{core.StepEndpointExists, nc.EndpointExists,
			"no broker endpoint exists in the target's network",
			"Create an interface endpoint for the broker service"},
		{core.StepEndpointPolicy, nc.EndpointPolicyOpen,
			"the endpoint policy blocks broker traffic",
			"Allow broker actions in the endpoint policy"},
		{core.StepRouteTable, nc.RouteTableConfigured,
			"no route from the target subnet to the endpoint",
			"Add a route table entry for the endpoint subnet"},
		{core.StepSecurityRules, nc.SecurityRulesAllow,
			"security rules block HTTPS to the endpoint",
			"Allow outbound 443 from the target to the endpoint"},
		{core.StepNameResolution, nc.NameResolutionWorks,
			"the broker endpoint name does not resolve",
			"Enable private DNS on the endpoint or fix the resolver"},
	}

	var findings []core.Finding
	for _, s := range steps {
		if s.ok {
			continue
		}
		findings = append(findings, core.Finding{
			Check:          core.CheckNetworkPath,
			Severity:       core.SeverityError,
			Message:        s.failMessage,
			Recommendation: s.recommendation,
			Step:           s.step,
		})
	}
	if len(findings) == 0 {
		findings = append(findings, core.Finding{
			Check:    core.CheckNetworkPath,
			Severity: core.SeverityInfo,
			Message:  "network path to the broker endpoint is clear",
		})
	}
	return findings
}
