// Package config loads and validates tether configuration from YAML files,
// environment variables, and CLI flags via viper.
package config

import (
	"time"

	"github.com/cloudtether/tether/internal/core"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Monitor   MonitorConfig     `mapstructure:"monitor"`
	Reconnect ReconnectConfig   `mapstructure:"reconnect"`
	Limits    LimitsConfig      `mapstructure:"limits"`
	Governor  GovernorConfig    `mapstructure:"governor"`
	Diag      DiagConfig        `mapstructure:"diagnostics"`
	Fix       FixConfig         `mapstructure:"autofix"`
	Store     StoreConfig       `mapstructure:"store"`
	API       APIConfig         `mapstructure:"api"`
	Targets   map[string]string `mapstructure:"targets"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitorConfig configures the session health monitor.
type MonitorConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	LowPowerInterval    time.Duration `mapstructure:"low_power_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	HighLatency         time.Duration `mapstructure:"high_latency"`
	SessionTimeout      time.Duration `mapstructure:"session_timeout"`
	PredictWindow       time.Duration `mapstructure:"predict_window"`
}

// ReconnectConfig configures the auto-reconnector policy.
type ReconnectConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	AggressiveMode      bool          `mapstructure:"aggressive_mode"`
	AggressiveAttempts  int           `mapstructure:"aggressive_attempts"`
	AggressiveInterval  time.Duration `mapstructure:"aggressive_interval"`
	PreemptiveThreshold time.Duration `mapstructure:"preemptive_threshold"`
}

// LimitsConfig configures session concurrency caps.
type LimitsConfig struct {
	MaxSessionsPerTarget int `mapstructure:"max_sessions_per_target"`
	MaxTotalSessions     int `mapstructure:"max_total_sessions"`
}

// GovernorConfig configures the resource governor.
type GovernorConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	MemoryLimitMB   float64       `mapstructure:"memory_limit_mb"`
	CPULimitPercent float64       `mapstructure:"cpu_limit_percent"`
	StabilityWindow int           `mapstructure:"stability_window"`
}

// DiagConfig configures the diagnostic engine.
type DiagConfig struct {
	Parallel        bool          `mapstructure:"parallel"`
	Parallelism     int           `mapstructure:"parallelism"`
	Timeout         time.Duration `mapstructure:"timeout"`
	StalePing       time.Duration `mapstructure:"stale_ping"`
	RequiredActions []string      `mapstructure:"required_actions"`
	AbortOnCritical bool          `mapstructure:"abort_on_critical"`
}

// FixConfig configures the auto-fix orchestrator.
type FixConfig struct {
	Unattended           bool          `mapstructure:"unattended"`
	RegistrationInterval time.Duration `mapstructure:"registration_interval"`
	RegistrationTimeout  time.Duration `mapstructure:"registration_timeout"`
	AgentVerifyTimeout   time.Duration `mapstructure:"agent_verify_timeout"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, json, none
	Path   string `mapstructure:"path"`
}

// APIConfig configures the status API server.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return core.ErrValidation("RECONNECT_DELAYS",
			"reconnect.base_delay must not exceed reconnect.max_delay")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return core.ErrValidation("RECONNECT_ATTEMPTS", "reconnect.max_attempts must be at least 1")
	}
	if c.Limits.MaxSessionsPerTarget < 1 {
		return core.ErrValidation("SESSION_CAP", "limits.max_sessions_per_target must be at least 1")
	}
	if c.Limits.MaxTotalSessions < c.Limits.MaxSessionsPerTarget {
		return core.ErrValidation("SESSION_CAP",
			"limits.max_total_sessions must be at least the per-target cap")
	}
	if c.Governor.StabilityWindow < 1 {
		return core.ErrValidation("GOVERNOR_WINDOW", "governor.stability_window must be at least 1")
	}
	if c.Diag.Parallelism < 1 {
		return core.ErrValidation("DIAG_PARALLELISM", "diagnostics.parallelism must be at least 1")
	}
	switch c.Store.Driver {
	case "sqlite", "json", "none":
	default:
		return core.ErrValidation("STORE_DRIVER", "store.driver must be sqlite, json, or none")
	}
	return nil
}

// RequiredActions returns the configured permission action set, falling back
// to the canonical default list.
func (c *Config) RequiredActionsOrDefault() []string {
	if len(c.Diag.RequiredActions) > 0 {
		return c.Diag.RequiredActions
	}
	return core.DefaultRequiredActions()
}
