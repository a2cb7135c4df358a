package config

// DefaultConfigYAML is written by `tether init` and documents every option
// with its default value.
const DefaultConfigYAML = `# tether configuration
#
# Values not specified here use the defaults shown.

log:
  level: info      # debug, info, warn, error
  format: auto     # auto, text, json

# Session health monitoring
monitor:
  heartbeat_interval: 5s
  low_power_interval: 15s     # cadence while the governor is throttling
  probe_timeout: 5s
  inactivity_threshold: 30s
  failure_threshold: 3        # consecutive probe failures before connection_lost
  high_latency: 200ms
  session_timeout: 20m        # broker-side idle timeout
  predict_window: 5m

# Automatic reconnection policy
reconnect:
  enabled: true
  max_attempts: 5
  base_delay: 1s
  max_delay: 16s
  aggressive_mode: false
  aggressive_attempts: 3
  aggressive_interval: 500ms
  preemptive_threshold: 2m    # remaining budget that triggers a preemptive swap

# Concurrency caps
limits:
  max_sessions_per_target: 3
  max_total_sessions: 10

# Resource governor ceilings. Conservative pair by default; some hosts
# prefer 50MB / 2%.
governor:
  sample_interval: 10s
  memory_limit_mb: 10
  cpu_limit_percent: 0.5
  stability_window: 3

# Pre-connection diagnostics
diagnostics:
  parallel: true
  parallelism: 4
  timeout: 30s
  stale_ping: 10m
  abort_on_critical: true

# Automated remediation
autofix:
  unattended: false           # start stopped instances without approval
  registration_interval: 3s
  registration_timeout: 5m
  agent_verify_timeout: 1m

# Persistence (sqlite, json, or none)
store:
  driver: sqlite
  path: .tether/state/sessions.db

# Status API (tether serve)
api:
  addr: 127.0.0.1:7820

# Target aliases usable in place of instance ids, e.g.:
# targets:
#   web-1: i-0123456789abcdef0
targets: {}
`
