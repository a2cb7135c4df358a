package events

import "time"

// Event type constants for session lifecycle events.
const (
	TypeSessionCreated    = "session_created"
	TypeStatusChanged     = "session_status_changed"
	TypeSessionEvicted    = "session_evicted"
	TypeSessionTerminated = "session_terminated"

	TypeHealthDegraded   = "health_degraded"
	TypeTimeoutPredicted = "timeout_predicted"
	TypeActivityDetected = "activity_detected"
	TypeConnectionLost   = "connection_lost"

	TypeReconnectStarted   = "reconnect_started"
	TypeReconnectSucceeded = "reconnect_succeeded"
	TypeReconnectExhausted = "reconnect_exhausted"
	TypePreemptiveSwap     = "preemptive_swap"
)

// SessionCreatedEvent is emitted when the registry accepts a new session.
type SessionCreatedEvent struct {
	BaseEvent
	TargetID  string `json:"target_id"`
	LocalPort int    `json:"local_port"`
	Priority  string `json:"priority"`
}

// NewSessionCreatedEvent creates a session created event.
func NewSessionCreatedEvent(sessionID, targetID string, localPort int, priority string) SessionCreatedEvent {
	return SessionCreatedEvent{
		BaseEvent: NewBaseEvent(TypeSessionCreated, sessionID),
		TargetID:  targetID,
		LocalPort: localPort,
		Priority:  priority,
	}
}

// StatusChangedEvent is emitted on every registry status transition.
type StatusChangedEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

// NewStatusChangedEvent creates a status transition event.
func NewStatusChangedEvent(sessionID, from, to string) StatusChangedEvent {
	return StatusChangedEvent{
		BaseEvent: NewBaseEvent(TypeStatusChanged, sessionID),
		From:      from,
		To:        to,
	}
}

// SessionEvictedEvent is emitted when a session is removed to make room
// under the concurrency cap.
type SessionEvictedEvent struct {
	BaseEvent
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

// NewSessionEvictedEvent creates an eviction event.
func NewSessionEvictedEvent(sessionID, targetID, reason string) SessionEvictedEvent {
	return SessionEvictedEvent{
		BaseEvent: NewBaseEvent(TypeSessionEvicted, sessionID),
		TargetID:  targetID,
		Reason:    reason,
	}
}

// SessionTerminatedEvent is emitted when a session reaches Terminated.
type SessionTerminatedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NewSessionTerminatedEvent creates a termination event.
func NewSessionTerminatedEvent(sessionID, reason string) SessionTerminatedEvent {
	return SessionTerminatedEvent{
		BaseEvent: NewBaseEvent(TypeSessionTerminated, sessionID),
		Reason:    reason,
	}
}

// HealthDegradedEvent is emitted when a monitored session's health drops.
type HealthDegradedEvent struct {
	BaseEvent
	Detail    string `json:"detail"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// NewHealthDegradedEvent creates a health degraded event.
func NewHealthDegradedEvent(sessionID, detail string, latency time.Duration) HealthDegradedEvent {
	return HealthDegradedEvent{
		BaseEvent: NewBaseEvent(TypeHealthDegraded, sessionID),
		Detail:    detail,
		LatencyMS: latency.Milliseconds(),
	}
}

// TimeoutPredictedEvent is emitted when the monitor predicts an idle timeout.
type TimeoutPredictedEvent struct {
	BaseEvent
	Remaining time.Duration `json:"remaining"`
}

// NewTimeoutPredictedEvent creates a timeout prediction event.
func NewTimeoutPredictedEvent(sessionID string, remaining time.Duration) TimeoutPredictedEvent {
	return TimeoutPredictedEvent{
		BaseEvent: NewBaseEvent(TypeTimeoutPredicted, sessionID),
		Remaining: remaining,
	}
}

// ActivityDetectedEvent is emitted when activity resumes on a session.
type ActivityDetectedEvent struct {
	BaseEvent
}

// NewActivityDetectedEvent creates an activity event.
func NewActivityDetectedEvent(sessionID string) ActivityDetectedEvent {
	return ActivityDetectedEvent{BaseEvent: NewBaseEvent(TypeActivityDetected, sessionID)}
}

// ConnectionLostEvent is emitted exactly once per failure episode, after the
// consecutive-failure threshold is crossed.
type ConnectionLostEvent struct {
	BaseEvent
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Reason              string `json:"reason"`
}

// NewConnectionLostEvent creates a connection lost event.
func NewConnectionLostEvent(sessionID, reason string, failures int) ConnectionLostEvent {
	return ConnectionLostEvent{
		BaseEvent:           NewBaseEvent(TypeConnectionLost, sessionID),
		ConsecutiveFailures: failures,
		Reason:              reason,
	}
}

// ReconnectStartedEvent is emitted when a reconnection attempt begins.
type ReconnectStartedEvent struct {
	BaseEvent
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// NewReconnectStartedEvent creates a reconnect started event.
func NewReconnectStartedEvent(sessionID string, attempt int, delay time.Duration) ReconnectStartedEvent {
	return ReconnectStartedEvent{
		BaseEvent: NewBaseEvent(TypeReconnectStarted, sessionID),
		Attempt:   attempt,
		Delay:     delay,
	}
}

// ReconnectSucceededEvent is emitted when a reconnection attempt restores
// the session.
type ReconnectSucceededEvent struct {
	BaseEvent
	Attempt int `json:"attempt"`
}

// NewReconnectSucceededEvent creates a reconnect succeeded event.
func NewReconnectSucceededEvent(sessionID string, attempt int) ReconnectSucceededEvent {
	return ReconnectSucceededEvent{
		BaseEvent: NewBaseEvent(TypeReconnectSucceeded, sessionID),
		Attempt:   attempt,
	}
}

// ReconnectExhaustedEvent is the terminal failure notification after the
// policy's max attempts. Manual reconnection is required from here.
type ReconnectExhaustedEvent struct {
	BaseEvent
	Attempts        int      `json:"attempts"`
	Message         string   `json:"message"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// NewReconnectExhaustedEvent creates a terminal reconnect failure event.
func NewReconnectExhaustedEvent(sessionID string, attempts int, message string, recommendations []string) ReconnectExhaustedEvent {
	return ReconnectExhaustedEvent{
		BaseEvent:       NewBaseEvent(TypeReconnectExhausted, sessionID),
		Attempts:        attempts,
		Message:         message,
		Recommendations: recommendations,
	}
}

// PreemptiveSwapEvent is emitted when a replacement session takes over a
// logical session before its predecessor times out.
type PreemptiveSwapEvent struct {
	BaseEvent
	OldHandle string `json:"old_handle"`
	NewHandle string `json:"new_handle"`
}

// NewPreemptiveSwapEvent creates a preemptive swap event.
func NewPreemptiveSwapEvent(sessionID, oldHandle, newHandle string) PreemptiveSwapEvent {
	return PreemptiveSwapEvent{
		BaseEvent: NewBaseEvent(TypePreemptiveSwap, sessionID),
		OldHandle: oldHandle,
		NewHandle: newHandle,
	}
}
