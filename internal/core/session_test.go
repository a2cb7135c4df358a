package core

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to SessionStatus }{
		{StatusConnecting, StatusActive},
		{StatusConnecting, StatusTerminated},
		{StatusActive, StatusInactive},
		{StatusActive, StatusReconnecting},
		{StatusActive, StatusTerminated},
		{StatusInactive, StatusReconnecting},
		{StatusInactive, StatusTerminated},
		{StatusReconnecting, StatusActive},
		{StatusReconnecting, StatusTerminated},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	// Terminated is absorbing.
	for _, to := range []SessionStatus{StatusConnecting, StatusActive, StatusInactive, StatusReconnecting, StatusTerminated} {
		if CanTransition(StatusTerminated, to) {
			t.Errorf("expected terminated -> %s to be rejected", to)
		}
	}

	if CanTransition(StatusConnecting, StatusInactive) {
		t.Errorf("expected connecting -> inactive to be rejected")
	}
	if CanTransition(StatusInactive, StatusActive) {
		t.Errorf("expected inactive -> active to be rejected (must go through reconnecting)")
	}
}

func TestNewSession(t *testing.T) {
	s := NewSession(SessionConfig{
		TargetID:   "i-0abc",
		LocalPort:  8022,
		RemotePort: 22,
		Priority:   PriorityHigh,
	})
	if s.ID == "" {
		t.Fatalf("expected generated id")
	}
	if s.Status != StatusConnecting {
		t.Fatalf("expected new session in connecting, got %s", s.Status)
	}
	if !s.IsConnected() {
		t.Fatalf("connecting session must count against the cap")
	}
}

func TestSession_Clone(t *testing.T) {
	s := NewSession(SessionConfig{TargetID: "i-1", Tags: map[string]string{"env": "dev"}})
	c := s.Clone()
	c.Tags["env"] = "prod"
	if s.Tags["env"] != "dev" {
		t.Fatalf("clone must not alias tag map")
	}
}

func TestSession_IdleForAndAge(t *testing.T) {
	now := time.Now()
	s := &Session{CreatedAt: now.Add(-10 * time.Minute), LastActivity: now.Add(-30 * time.Second)}
	if got := s.IdleFor(now); got != 30*time.Second {
		t.Fatalf("expected 30s idle, got %v", got)
	}
	if got := s.Age(now); got != 10*time.Minute {
		t.Fatalf("expected 10m age, got %v", got)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]SessionPriority{
		"low": PriorityLow, "normal": PriorityNormal, "": PriorityNormal,
		"high": PriorityHigh, "critical": PriorityCritical,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", in, err)
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}
