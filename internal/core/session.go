// Package core contains the domain model for session lifecycle management:
// sessions and their status machine, diagnostic findings, connection
// likelihood scoring, and the ports implemented by adapters.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusActive       SessionStatus = "active"
	StatusInactive     SessionStatus = "inactive"
	StatusReconnecting SessionStatus = "reconnecting"
	StatusTerminated   SessionStatus = "terminated"
)

// validTransitions encodes the session status machine. Terminated is
// absorbing and has no outgoing edges.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusConnecting:   {StatusActive, StatusTerminated},
	StatusActive:       {StatusInactive, StatusReconnecting, StatusTerminated},
	StatusInactive:     {StatusReconnecting, StatusTerminated},
	StatusReconnecting: {StatusActive, StatusTerminated},
	StatusTerminated:   {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusTerminated
}

// SessionPriority orders sessions for eviction under concurrency pressure.
// Higher values survive longer.
type SessionPriority int

const (
	PriorityLow SessionPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable priority name.
func (p SessionPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to a SessionPriority.
func ParsePriority(s string) (SessionPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, ErrValidation("INVALID_PRIORITY", fmt.Sprintf("unknown priority %q", s))
	}
}

// Session is a logical, possibly-reconnecting, forwarded connection to a
// target node. Values are owned exclusively by the session registry; other
// components hold ids only.
type Session struct {
	ID              string            `json:"id"`
	TargetID        string            `json:"target_id"`
	LocalPort       int               `json:"local_port"`
	RemotePort      int               `json:"remote_port"`
	RemoteHost      string            `json:"remote_host,omitempty"`
	Status          SessionStatus     `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	ConnectionCount int               `json:"connection_count"`
	BytesTransfer   int64             `json:"bytes_transferred"`
	Priority        SessionPriority   `json:"priority"`
	BrokerHandle    string            `json:"broker_handle,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// SessionConfig describes a session creation request.
type SessionConfig struct {
	TargetID   string
	LocalPort  int
	RemotePort int
	RemoteHost string
	Priority   SessionPriority
	Tags       map[string]string
}

// NewSession creates a session in Connecting state with a fresh id.
func NewSession(cfg SessionConfig) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		TargetID:     cfg.TargetID,
		LocalPort:    cfg.LocalPort,
		RemotePort:   cfg.RemotePort,
		RemoteHost:   cfg.RemoteHost,
		Status:       StatusConnecting,
		CreatedAt:    now,
		LastActivity: now,
		Priority:     cfg.Priority,
		Tags:         cfg.Tags,
	}
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// IsConnected reports whether the session counts against the concurrency cap.
func (s *Session) IsConnected() bool {
	switch s.Status {
	case StatusActive, StatusConnecting, StatusReconnecting:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so registry internals never alias out.
func (s *Session) Clone() *Session {
	c := *s
	if s.Tags != nil {
		c.Tags = make(map[string]string, len(s.Tags))
		for k, v := range s.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}
