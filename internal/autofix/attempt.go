// Package autofix maps diagnostic findings to remediation actions, executes
// the safe ones, polls for effect, and re-verifies the originating check.
// Identity and network policy changes are never executed automatically; those
// fixes return ordered manual steps instead.
package autofix

import (
	"time"

	"github.com/google/uuid"

	"github.com/cloudtether/tether/internal/core"
)

// AttemptState is one state of a fix attempt's lifecycle. An attempt moves
// Pending to InProgress to exactly one terminal state; a retry is a fresh
// attempt, never a reused one.
type AttemptState string

const (
	StatePending    AttemptState = "pending"
	StateInProgress AttemptState = "in_progress"

	// Terminal states.
	StateSuccess                    AttemptState = "success"
	StateFailed                     AttemptState = "failed"
	StateRequiresUserApproval       AttemptState = "requires_user_approval"
	StateRequiresManualIntervention AttemptState = "requires_manual_intervention"
)

// Terminal reports whether the state ends the attempt.
func (s AttemptState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateRequiresUserApproval, StateRequiresManualIntervention:
		return true
	}
	return false
}

// FixKind names a remediation. The set is closed and dispatched through one
// table, mirroring the check kinds they remediate.
type FixKind string

const (
	FixInstanceState FixKind = "fix_instance_state"
	FixAgentRestart  FixKind = "fix_agent_restart"
	FixPermissions   FixKind = "suggest_permission_fixes"
	FixNetworkPath   FixKind = "suggest_network_fixes"
)

// Risk grades how invasive a remediation is. Safe and Low fixes may run
// without per-fix approval, Medium fixes need approval or unattended mode,
// High fixes only ever produce manual steps.
type Risk int

const (
	RiskSafe Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the risk as its lowercase name.
func (r Risk) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func riskFor(fix FixKind) Risk {
	switch fix {
	case FixAgentRestart:
		return RiskLow
	case FixInstanceState:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Attempt is one fix attempt from creation to its terminal state.
type Attempt struct {
	ID       string       `json:"id"`
	TargetID string       `json:"target_id"`
	Fix      FixKind      `json:"fix"`
	Risk     Risk         `json:"risk"`
	State    AttemptState `json:"state"`
	Message  string       `json:"message,omitempty"`
	// Steps holds ordered human-actionable remediation steps for attempts
	// that end in an approval or manual-intervention state.
	Steps []string `json:"steps,omitempty"`
	// Recommendations accompanies a failed attempt; a give-up path always
	// carries troubleshooting guidance.
	Recommendations []string      `json:"recommendations,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	Verified        bool          `json:"verified"`
	Waited          time.Duration `json:"waited,omitempty"`
}

func newAttempt(targetID string, fix FixKind, now time.Time) *Attempt {
	return &Attempt{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Fix:       fix,
		Risk:      riskFor(fix),
		State:     StatePending,
		StartedAt: now,
	}
}

// transition advances the attempt. Leaving a terminal state is an invariant
// violation.
func (a *Attempt) transition(to AttemptState, now time.Time) error {
	if a.State.Terminal() {
		return core.ErrInvariant("FIX_STATE", "attempt "+a.ID+" already finished as "+string(a.State))
	}
	a.State = to
	if to.Terminal() {
		a.FinishedAt = now
	}
	return nil
}
