// Package reconnect restores lost sessions with exponential backoff and
// swaps in replacement tunnels preemptively before idle timeouts.
package reconnect

import (
	"time"

	"github.com/cloudtether/tether/internal/core"
)

// Policy controls reconnection behavior.
type Policy struct {
	Enabled     bool          `json:"enabled"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`

	// Aggressive mode retries on a fixed short interval for the first
	// AggressiveAttempts before falling back to exponential backoff.
	Aggressive         bool          `json:"aggressive"`
	AggressiveAttempts int           `json:"aggressive_attempts"`
	AggressiveInterval time.Duration `json:"aggressive_interval"`
}

// DefaultPolicy returns the standard backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    16 * time.Second,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return core.ErrValidation("INVALID_POLICY", "base delay must be positive")
	}
	if p.BaseDelay > p.MaxDelay {
		return core.ErrValidation("INVALID_POLICY", "base delay exceeds max delay")
	}
	if p.MaxAttempts < 1 {
		return core.ErrValidation("INVALID_POLICY", "max attempts must be at least 1")
	}
	if p.Aggressive && (p.AggressiveAttempts < 1 || p.AggressiveInterval <= 0) {
		return core.ErrValidation("INVALID_POLICY", "aggressive mode requires attempts and interval")
	}
	return nil
}

// Delay returns the wait before the given attempt (1-based), as a pure
// function with no clock dependency. Aggressive attempts use the fixed
// interval; past them the exponential schedule picks up at the raw attempt
// number's slot, not from the base delay.
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Aggressive && attempt <= p.AggressiveAttempts {
		return p.AggressiveInterval
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
