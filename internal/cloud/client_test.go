package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudtether/tether/internal/core"
)

// scriptedRunner replays canned CLI responses keyed by subcommand.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string][]byte
	errs      map[string]error
	calls     []string
}

func (r *scriptedRunner) run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(args, " "))
	sub := args[0]
	if err := r.errs[sub]; err != nil {
		return nil, err
	}
	return r.responses[sub], nil
}

func newTestClient(runner *scriptedRunner) *Client {
	c := New(Config{Binary: "fake"}, slog.New(slog.DiscardHandler))
	c.runner = runner.run
	return c
}

func TestDescribeInstanceState(t *testing.T) {
	runner := &scriptedRunner{responses: map[string][]byte{
		"describe-instance-state": []byte(`{"state":"stopped"}`),
	}}
	c := newTestClient(runner)

	state, err := c.DescribeInstanceState(context.Background(), "i-abc")
	if err != nil {
		t.Fatalf("DescribeInstanceState() error = %v", err)
	}
	if state != core.InstanceStopped {
		t.Errorf("state = %v, want stopped", state)
	}
	if !strings.Contains(runner.calls[0], "--target-id i-abc") {
		t.Errorf("target id not passed: %s", runner.calls[0])
	}
}

func TestDescribeInstanceStateUnknownValue(t *testing.T) {
	runner := &scriptedRunner{responses: map[string][]byte{
		"describe-instance-state": []byte(`{"state":"hibernating"}`),
	}}
	c := newTestClient(runner)

	state, err := c.DescribeInstanceState(context.Background(), "i-abc")
	if err != nil {
		t.Fatalf("DescribeInstanceState() error = %v", err)
	}
	if state != core.InstanceUnknown {
		t.Errorf("unrecognized state mapped to %v, want unknown", state)
	}
}

func TestDescribePermissions(t *testing.T) {
	runner := &scriptedRunner{responses: map[string][]byte{
		"describe-permissions": []byte(`{"grants":[{"action":"broker:StartSession","allowed":false},{"action":"broker:TerminateSession","allowed":true}]}`),
	}}
	c := newTestClient(runner)

	grants, err := c.DescribePermissions(context.Background(), "i-abc",
		[]string{"broker:StartSession", "broker:TerminateSession"})
	if err != nil {
		t.Fatalf("DescribePermissions() error = %v", err)
	}
	if len(grants) != 2 || grants[0].Allowed || !grants[1].Allowed {
		t.Errorf("grants = %+v", grants)
	}
}

func TestStartSessionParsesHandle(t *testing.T) {
	runner := &scriptedRunner{responses: map[string][]byte{
		"start-session": []byte(`{"handle_id":"h-42","local_port":9022}`),
	}}
	c := newTestClient(runner)

	h, err := c.StartSession(context.Background(), core.SessionConfig{TargetID: "i-abc", RemotePort: 22})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if h.ID != "h-42" || h.LocalPort != 9022 {
		t.Errorf("handle = %+v", h)
	}
}

func TestStartSessionEmptyHandle(t *testing.T) {
	runner := &scriptedRunner{responses: map[string][]byte{
		"start-session": []byte(`{}`),
	}}
	c := newTestClient(runner)

	if _, err := c.StartSession(context.Background(), core.SessionConfig{TargetID: "i-abc", RemotePort: 22}); err == nil {
		t.Error("empty handle should be an error")
	}
}

func TestMalformedResponseIsInternal(t *testing.T) {
	runner := &scriptedRunner{responses: map[string][]byte{
		"describe-network-config": []byte(`not json`),
	}}
	c := newTestClient(runner)

	_, err := c.DescribeNetworkConfig(context.Background(), "i-abc")
	if !core.IsCategory(err, core.ErrCatInternal) {
		t.Errorf("error = %v, want internal", err)
	}
}

func TestErrorPropagation(t *testing.T) {
	authErr := core.ErrAuthorization("denied", "fix policy")
	runner := &scriptedRunner{errs: map[string]error{
		"describe-agent-registration": authErr,
	}}
	c := newTestClient(runner)

	_, err := c.DescribeAgentRegistration(context.Background(), "i-abc")
	if !errors.Is(err, authErr) {
		t.Errorf("error = %v, want the authorization error", err)
	}
}

func TestClassifyCLIError(t *testing.T) {
	base := errors.New("exit status 255")
	tests := []struct {
		stderr string
		want   core.ErrorCategory
	}{
		{"An error occurred (AccessDenied) when calling", core.ErrCatAuth},
		{"UnauthorizedOperation: not allowed", core.ErrCatAuth},
		{"InvalidInstanceID.NotFound: i-abc", core.ErrCatNotFound},
		{"Throttling: rate exceeded", core.ErrCatTransient},
		{"dial tcp: connection refused", core.ErrCatTransient},
		{"something exploded", core.ErrCatInternal},
	}
	for _, tt := range tests {
		got := core.CategoryOf(classifyCLIError(base, tt.stderr))
		if got != tt.want {
			t.Errorf("classify(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestClassifyWrappedDeadline(t *testing.T) {
	// exec wraps the context error; classification must unwrap it.
	wrapped := fmt.Errorf("running CLI: %w", context.DeadlineExceeded)
	if got := core.CategoryOf(classifyCLIError(wrapped, "")); got != core.ErrCatTransient {
		t.Errorf("classify(wrapped deadline) = %v, want transient", got)
	}
}

func TestRetryOnTransient(t *testing.T) {
	attempts := 0
	c := New(Config{Binary: "fake", RetryMaxElapsed: 2 * time.Second}, slog.New(slog.DiscardHandler))
	c.runner = func(_ context.Context, _ ...string) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, core.ErrTransientNetwork("throttled")
		}
		return []byte(`{"state":"running"}`), nil
	}

	state, err := c.DescribeInstanceState(context.Background(), "i-abc")
	if err != nil {
		t.Fatalf("DescribeInstanceState() with retries error = %v", err)
	}
	if state != core.InstanceRunning || attempts != 3 {
		t.Errorf("state = %v after %d attempts", state, attempts)
	}
}

func TestNoRetryOnAuthError(t *testing.T) {
	attempts := 0
	c := New(Config{Binary: "fake", RetryMaxElapsed: 2 * time.Second}, slog.New(slog.DiscardHandler))
	c.runner = func(_ context.Context, _ ...string) ([]byte, error) {
		attempts++
		return nil, core.ErrAuthorization("denied", "")
	}

	if _, err := c.DescribeInstanceState(context.Background(), "i-abc"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("auth error retried %d times, want 1 attempt", attempts)
	}
}
