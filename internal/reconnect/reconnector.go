package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/events"
)

// Registry is the slice of the session manager the reconnector needs.
type Registry interface {
	Get(id string) (*core.Session, bool)
	Transition(ctx context.Context, id string, to core.SessionStatus) error
	SwapHandle(ctx context.Context, id string, handle core.BrokerHandle) error
	Terminate(ctx context.Context, id string, reason string) error
}

// Reconnector reacts to lost connections and predicted timeouts. At most one
// reconnection attempt is in flight per session id; duplicate signals are
// dropped.
type Reconnector struct {
	registry Registry
	broker   core.BrokerClient
	bus      *events.Bus
	clock    core.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	policy   Policy
	inflight map[string]struct{}
}

// New creates a reconnector with the given policy.
func New(policy Policy, registry Registry, broker core.BrokerClient, bus *events.Bus, clock core.Clock, logger *slog.Logger) (*Reconnector, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Reconnector{
		registry: registry,
		broker:   broker,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		policy:   policy,
		inflight: make(map[string]struct{}),
	}, nil
}

// ConfigurePolicy swaps the policy. In-flight attempts finish under the
// policy they started with.
func (r *Reconnector) ConfigurePolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policy = policy
	r.mu.Unlock()
	return nil
}

// Policy returns the current policy.
func (r *Reconnector) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Run subscribes to connection loss and timeout prediction events and
// dispatches reconnections until the context is cancelled.
func (r *Reconnector) Run(ctx context.Context) {
	ch := r.bus.Subscribe(events.TypeConnectionLost, events.TypeTimeoutPredicted)
	go func() {
		defer r.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				switch ev := e.(type) {
				case events.ConnectionLostEvent:
					go r.HandleDisconnection(ctx, ev.SessionID(), ev.Reason)
				case events.TimeoutPredictedEvent:
					go r.PreemptiveReconnect(ctx, ev.SessionID())
				}
			}
		}
	}()
}

// acquire marks a session's reconnection slot. Reports false when an attempt
// is already in flight.
func (r *Reconnector) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[sessionID]; busy {
		return false
	}
	r.inflight[sessionID] = struct{}{}
	return true
}

func (r *Reconnector) release(sessionID string) {
	r.mu.Lock()
	delete(r.inflight, sessionID)
	r.mu.Unlock()
}

// HandleDisconnection drives the backoff loop for a lost session. Returns
// true when the session was restored. Duplicate signals for a session with
// an attempt already in flight return false immediately.
func (r *Reconnector) HandleDisconnection(ctx context.Context, sessionID, reason string) bool {
	policy := r.Policy()
	if !policy.Enabled {
		return false
	}
	if !r.acquire(sessionID) {
		r.logger.Debug("reconnection already in flight", "session_id", sessionID)
		return false
	}
	defer r.release(sessionID)

	sess, ok := r.registry.Get(sessionID)
	if !ok || sess.Status.IsTerminal() {
		return false
	}
	if sess.Status != core.StatusReconnecting {
		if err := r.registry.Transition(ctx, sessionID, core.StatusReconnecting); err != nil {
			r.logger.Warn("entering reconnecting state failed", "session_id", sessionID, "error", err)
			return false
		}
	}

	r.logger.Info("reconnection starting",
		"session_id", sessionID,
		"reason", reason,
		"max_attempts", policy.MaxAttempts,
	)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		delay := Delay(policy, attempt)
		r.bus.Publish(events.NewReconnectStartedEvent(sessionID, attempt, delay))
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return false
		}

		// Re-read each attempt: explicit termination cancels the loop.
		sess, ok := r.registry.Get(sessionID)
		if !ok || sess.Status.IsTerminal() {
			return false
		}

		handle, err := r.broker.StartSession(ctx, core.SessionConfig{
			TargetID:   sess.TargetID,
			LocalPort:  sess.LocalPort,
			RemotePort: sess.RemotePort,
			RemoteHost: sess.RemoteHost,
			Priority:   sess.Priority,
		})
		if err != nil {
			r.logger.Warn("reconnection attempt failed",
				"session_id", sessionID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		if err := r.registry.SwapHandle(ctx, sessionID, handle); err != nil {
			r.logger.Warn("installing replacement handle failed", "session_id", sessionID, "error", err)
			if termErr := r.broker.TerminateSession(ctx, handle); termErr != nil {
				r.logger.Warn("terminating orphaned tunnel failed", "session_id", sessionID, "error", termErr)
			}
			return false
		}
		if err := r.registry.Transition(ctx, sessionID, core.StatusActive); err != nil {
			r.logger.Warn("activating reconnected session failed", "session_id", sessionID, "error", err)
			return false
		}
		r.bus.Publish(events.NewReconnectSucceededEvent(sessionID, attempt))
		r.logger.Info("reconnection succeeded", "session_id", sessionID, "attempt", attempt)
		return true
	}

	// Every give-up path emits an explicit terminal event.
	msg := fmt.Sprintf("reconnection failed after %d attempts; manual reconnection required", policy.MaxAttempts)
	r.bus.PublishPriority(events.NewReconnectExhaustedEvent(sessionID, policy.MaxAttempts, msg, []string{
		"Check that the target instance is running",
		"Run diagnostics against the target to identify blocking issues",
		"Reconnect manually once the target is reachable",
	}))
	r.logger.Error("reconnection exhausted", "session_id", sessionID, "attempts", policy.MaxAttempts)
	if err := r.registry.Terminate(ctx, sessionID, "reconnection attempts exhausted"); err != nil {
		r.logger.Warn("terminating exhausted session failed", "session_id", sessionID, "error", err)
	}
	return false
}

// PreemptiveReconnect establishes a replacement tunnel while the current one
// is still up, then swaps it into the registry so the logical session never
// observes a gap. Returns true on a successful swap.
func (r *Reconnector) PreemptiveReconnect(ctx context.Context, sessionID string) bool {
	policy := r.Policy()
	if !policy.Enabled {
		return false
	}
	if !r.acquire(sessionID) {
		return false
	}
	defer r.release(sessionID)

	sess, ok := r.registry.Get(sessionID)
	if !ok || sess.Status != core.StatusActive {
		return false
	}
	oldHandle := core.BrokerHandle{ID: sess.BrokerHandle, LocalPort: sess.LocalPort}

	handle, err := r.broker.StartSession(ctx, core.SessionConfig{
		TargetID:   sess.TargetID,
		LocalPort:  sess.LocalPort,
		RemotePort: sess.RemotePort,
		RemoteHost: sess.RemoteHost,
		Priority:   sess.Priority,
	})
	if err != nil {
		r.logger.Warn("preemptive reconnect failed", "session_id", sessionID, "error", err)
		return false
	}

	if err := r.registry.SwapHandle(ctx, sessionID, handle); err != nil {
		r.logger.Warn("preemptive swap failed", "session_id", sessionID, "error", err)
		if termErr := r.broker.TerminateSession(ctx, handle); termErr != nil {
			r.logger.Warn("terminating replacement tunnel failed", "session_id", sessionID, "error", termErr)
		}
		return false
	}

	// The predecessor tunnel is torn down only after the swap.
	if oldHandle.ID != "" {
		if err := r.broker.TerminateSession(ctx, oldHandle); err != nil {
			r.logger.Warn("terminating predecessor tunnel failed", "session_id", sessionID, "error", err)
		}
	}
	r.logger.Info("preemptive reconnect complete", "session_id", sessionID, "new_handle", handle.ID)
	return true
}
