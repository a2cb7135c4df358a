package monitor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cloudtether/tether/internal/adapters/state"
	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/events"
)

// parkedClock reports a fixed now and parks Sleep until cancellation, so
// tests drive probes explicitly through CheckHealth.
type parkedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *parkedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *parkedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *parkedClock) Sleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

// scriptedProber replays a fixed ok/latency script, repeating the last entry.
type probeResult struct {
	ok      bool
	latency time.Duration
}

type scriptedProber struct {
	mu      sync.Mutex
	results []probeResult
	i       int
}

func (p *scriptedProber) Probe(_ context.Context, _ *core.Session) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return true, time.Millisecond
	}
	r := p.results[p.i]
	if p.i < len(p.results)-1 {
		p.i++
	}
	return r.ok, r.latency
}

// fakeRegistry is an in-memory session source with status machine checks.
type fakeRegistry struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
}

func newFakeRegistry(sessions ...*core.Session) *fakeRegistry {
	r := &fakeRegistry{sessions: make(map[string]*core.Session)}
	for _, s := range sessions {
		r.sessions[s.ID] = s
	}
	return r
}

func (r *fakeRegistry) Get(id string) (*core.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (r *fakeRegistry) Transition(_ context.Context, id string, to core.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return core.ErrNotFound("session", id)
	}
	if !core.CanTransition(s.Status, to) {
		return core.ErrInvariant("ILLEGAL_TRANSITION", "bad edge")
	}
	s.Status = to
	return nil
}

type fixture struct {
	monitor  *Monitor
	registry *fakeRegistry
	prober   *scriptedProber
	bus      *events.Bus
	clock    *parkedClock
	session  *core.Session
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, cfg Config, results ...probeResult) *fixture {
	t.Helper()
	clock := &parkedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sess := &core.Session{
		ID:           "sess-1",
		TargetID:     "i-abc",
		Status:       core.StatusActive,
		CreatedAt:    clock.Now(),
		LastActivity: clock.Now(),
	}
	registry := newFakeRegistry(sess)
	prober := &scriptedProber{results: results}
	bus := events.New(64)
	m := New(cfg, registry, prober, state.NopStore{}, bus, nil, clock, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, sess.ID)
	t.Cleanup(cancel)
	return &fixture{monitor: m, registry: registry, prober: prober, bus: bus, clock: clock, session: sess, cancel: cancel}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestThresholdEmitsExactlyOneConnectionLost(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3}, probeResult{ok: false})
	lost := f.bus.Subscribe(events.TypeConnectionLost)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.monitor.CheckHealth(ctx, f.session.ID); err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
	}

	got := drain(lost)
	if len(got) != 1 {
		t.Fatalf("ConnectionLost emitted %d times, want exactly 1", len(got))
	}
	ev := got[0].(events.ConnectionLostEvent)
	if ev.ConsecutiveFailures != 3 {
		t.Errorf("failures at emission = %d, want 3", ev.ConsecutiveFailures)
	}
}

func TestSingleFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3},
		probeResult{ok: false}, probeResult{ok: true, latency: time.Millisecond})
	lost := f.bus.Subscribe(events.TypeConnectionLost)
	activity := f.bus.Subscribe(events.TypeActivityDetected)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.monitor.CheckHealth(ctx, f.session.ID); err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
	}

	if n := len(drain(lost)); n != 0 {
		t.Errorf("one transient failure emitted %d ConnectionLost events", n)
	}
	if n := len(drain(activity)); n != 1 {
		t.Errorf("recovery emitted %d ActivityDetected events, want 1", n)
	}
}

func TestRecoveryRearmsConnectionLost(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 2},
		probeResult{ok: false}, probeResult{ok: false},
		probeResult{ok: true, latency: time.Millisecond},
		probeResult{ok: false}, probeResult{ok: false},
	)
	lost := f.bus.Subscribe(events.TypeConnectionLost)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.monitor.CheckHealth(ctx, f.session.ID); err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
	}

	if n := len(drain(lost)); n != 2 {
		t.Errorf("two separate failure episodes emitted %d ConnectionLost events, want 2", n)
	}
}

func TestSlowProbeEmitsHealthDegraded(t *testing.T) {
	f := newFixture(t, Config{LatencyWarn: 200 * time.Millisecond},
		probeResult{ok: true, latency: 350 * time.Millisecond})
	degraded := f.bus.Subscribe(events.TypeHealthDegraded)

	snap, err := f.monitor.CheckHealth(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("CheckHealth() error = %v", err)
	}
	if !snap.Healthy {
		t.Error("slow but successful probe must stay healthy")
	}

	got := drain(degraded)
	if len(got) != 1 {
		t.Fatalf("HealthDegraded emitted %d times, want 1", len(got))
	}
	if ev := got[0].(events.HealthDegradedEvent); ev.LatencyMS != 350 {
		t.Errorf("latency = %dms, want 350", ev.LatencyMS)
	}
}

func TestInactivityRuleMarksInactive(t *testing.T) {
	f := newFixture(t, Config{InactivityWindow: 30 * time.Second}, probeResult{ok: false})
	ctx := context.Background()

	// Fresh activity: a failed probe alone must not demote the session.
	if _, err := f.monitor.CheckHealth(ctx, f.session.ID); err != nil {
		t.Fatalf("CheckHealth() error = %v", err)
	}
	if s, _ := f.registry.Get(f.session.ID); s.Status != core.StatusActive {
		t.Fatalf("status = %v before the window elapsed", s.Status)
	}

	f.clock.Advance(31 * time.Second)
	if _, err := f.monitor.CheckHealth(ctx, f.session.ID); err != nil {
		t.Fatalf("CheckHealth() error = %v", err)
	}
	if s, _ := f.registry.Get(f.session.ID); s.Status != core.StatusInactive {
		t.Errorf("status = %v, want inactive after idle window with missed probe", s.Status)
	}
}

func TestPredictTimeout(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 20 * time.Minute})

	remaining, ok := f.monitor.PredictTimeout(f.session.ID)
	if !ok || remaining != 20*time.Minute {
		t.Errorf("PredictTimeout = %v, %v; want full budget", remaining, ok)
	}

	f.clock.Advance(19 * time.Minute)
	remaining, ok = f.monitor.PredictTimeout(f.session.ID)
	if !ok || remaining != time.Minute {
		t.Errorf("PredictTimeout = %v, %v; want 1m", remaining, ok)
	}

	f.clock.Advance(5 * time.Minute)
	remaining, ok = f.monitor.PredictTimeout(f.session.ID)
	if !ok || remaining != 0 {
		t.Errorf("PredictTimeout past budget = %v, %v; want 0", remaining, ok)
	}

	if _, ok := f.monitor.PredictTimeout("unknown"); ok {
		t.Error("PredictTimeout for unknown session should report no prediction")
	}
}

func TestPredictTimeoutDisabled(t *testing.T) {
	f := newFixture(t, Config{})
	if _, ok := f.monitor.PredictTimeout(f.session.ID); ok {
		t.Error("prediction should be disabled with zero idle timeout")
	}
}

func TestTimeoutPredictedEmittedOncePerApproach(t *testing.T) {
	f := newFixture(t, Config{
		IdleTimeout:         10 * time.Minute,
		PreemptiveThreshold: 2 * time.Minute,
	}, probeResult{ok: true, latency: time.Millisecond})
	predicted := f.bus.Subscribe(events.TypeTimeoutPredicted)
	ctx := context.Background()

	f.clock.Advance(9 * time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := f.monitor.CheckHealth(ctx, f.session.ID); err != nil {
			t.Fatalf("CheckHealth() error = %v", err)
		}
	}

	if n := len(drain(predicted)); n != 1 {
		t.Errorf("TimeoutPredicted emitted %d times for one approach, want 1", n)
	}
}

func TestStartStopBookkeeping(t *testing.T) {
	f := newFixture(t, Config{})

	if !f.monitor.Watching(f.session.ID) {
		t.Fatal("session should be watched after Start")
	}
	// Double start is a no-op.
	f.monitor.Start(context.Background(), f.session.ID)
	f.monitor.Stop(f.session.ID)
	if f.monitor.Watching(f.session.ID) {
		t.Error("session still watched after Stop")
	}
	// Stopping again must not panic.
	f.monitor.Stop(f.session.ID)
}

func TestCheckHealthUnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.monitor.CheckHealth(context.Background(), "missing")
	if !core.IsCategory(err, core.ErrCatNotFound) {
		t.Errorf("CheckHealth(missing) error = %v, want not found", err)
	}
}
