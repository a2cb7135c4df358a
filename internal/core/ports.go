package core

import (
	"context"
	"time"
)

// FactsClient supplies point-in-time facts about a target from the cloud
// provider. Calls are synchronous and may fail transiently, with
// authorization errors, or with not-found.
type FactsClient interface {
	// DescribeInstanceState returns the current lifecycle state of a target.
	DescribeInstanceState(ctx context.Context, targetID string) (InstanceState, error)

	// DescribeAgentRegistration returns the broker-agent registration facts.
	DescribeAgentRegistration(ctx context.Context, targetID string) (AgentRegistration, error)

	// DescribePermissions evaluates the given actions for the caller against
	// the target, one grant per action.
	DescribePermissions(ctx context.Context, targetID string, actions []string) ([]PermissionGrant, error)

	// DescribeNetworkConfig returns the target's network facts.
	DescribeNetworkConfig(ctx context.Context, targetID string) (NetworkConfig, error)

	// StartInstance requests that a stopped target be started.
	StartInstance(ctx context.Context, targetID string) error

	// RestartAgent issues a remote restart of the broker agent.
	RestartAgent(ctx context.Context, targetID string) error
}

// BrokerHandle identifies a tunnel established by the session broker. The
// core tracks only the handle and status; the tunnel itself is opaque.
type BrokerHandle struct {
	ID        string
	LocalPort int
}

// BrokerClient establishes and tears down tunnels through the external
// session-broker process.
type BrokerClient interface {
	StartSession(ctx context.Context, cfg SessionConfig) (BrokerHandle, error)
	TerminateSession(ctx context.Context, handle BrokerHandle) error
}

// MetricRecord is a periodic snapshot persisted alongside sessions.
type MetricRecord struct {
	SessionID   string    `json:"session_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	BytesTotal  int64     `json:"bytes_total"`
	Connections int       `json:"connections"`
	Healthy     bool      `json:"healthy"`
}

// Store persists sessions and metric records. The core calls it after every
// status transition and periodically for metrics; failures are logged and
// tolerated, never propagated.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error
	SaveMetric(ctx context.Context, m MetricRecord) error
	Close() error
}

// Prober performs one heartbeat round-trip against a session's local
// endpoint and reports whether it answered, with the observed latency.
type Prober interface {
	Probe(ctx context.Context, s *Session) (ok bool, latency time.Duration)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
