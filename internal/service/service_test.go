package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudtether/tether/internal/cloud"
	"github.com/cloudtether/tether/internal/config"
	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/governor"
)

type fakeBroker struct {
	mu      sync.Mutex
	started int
}

func (b *fakeBroker) StartSession(_ context.Context, cfg core.SessionConfig) (core.BrokerHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	return core.BrokerHandle{ID: fmt.Sprintf("h-%d", b.started), LocalPort: 9000 + b.started}, nil
}

func (b *fakeBroker) TerminateSession(context.Context, core.BrokerHandle) error { return nil }

type fakeSampler struct{}

func (fakeSampler) Sample(context.Context) (governor.Usage, error) {
	return governor.Usage{Timestamp: time.Now()}, nil
}

type okProber struct{}

func (okProber) Probe(context.Context, *core.Session) (bool, time.Duration) {
	return true, time.Millisecond
}

func testConfig() *config.Config {
	cfg, _ := config.NewLoader().Load()
	cfg.Store.Driver = "none"
	cfg.Targets = map[string]string{
		"web-prod":  "i-0aa111",
		"web-stage": "i-0bb222",
		"db-prod":   "i-0cc333",
	}
	return cfg
}

func newTestService(t *testing.T, facts core.FactsClient) (*Service, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	svc, err := New(testConfig(), slog.New(slog.DiscardHandler), Options{
		Facts:   facts,
		Broker:  broker,
		Sampler: fakeSampler{},
		Prober:  okProber{},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, broker
}

func TestConnectHealthyTarget(t *testing.T) {
	svc, broker := newTestService(t, cloud.NewHealthyFakeFacts())

	sess, err := svc.Connect(context.Background(), core.SessionConfig{
		TargetID:   "i-0aa111",
		RemotePort: 22,
	}, ConnectOptions{})
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, sess.Status)
	assert.Equal(t, 1, broker.started)
	assert.True(t, svc.Monitor.Watching(sess.ID))

	require.NoError(t, svc.Terminate(context.Background(), sess.ID, "test done"))
	assert.False(t, svc.Monitor.Watching(sess.ID))
}

func TestConnectBlockedByPreflight(t *testing.T) {
	facts := cloud.NewHealthyFakeFacts()
	facts.Registration = core.AgentRegistration{Registered: false}
	svc, broker := newTestService(t, facts)

	_, err := svc.Connect(context.Background(), core.SessionConfig{
		TargetID:   "i-0aa111",
		RemotePort: 22,
	}, ConnectOptions{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	assert.Zero(t, broker.started, "the broker must not be reached when preflight blocks")
}

func TestConnectSkipPreflight(t *testing.T) {
	facts := cloud.NewHealthyFakeFacts()
	facts.Registration = core.AgentRegistration{Registered: false}
	svc, _ := newTestService(t, facts)

	_, err := svc.Connect(context.Background(), core.SessionConfig{
		TargetID:   "i-0aa111",
		RemotePort: 22,
	}, ConnectOptions{SkipPreflight: true})
	assert.NoError(t, err)
}

func TestConnectReusesExistingSession(t *testing.T) {
	svc, broker := newTestService(t, cloud.NewHealthyFakeFacts())
	cfg := core.SessionConfig{TargetID: "i-0aa111", RemotePort: 22}

	first, err := svc.Connect(context.Background(), cfg, ConnectOptions{})
	require.NoError(t, err)

	second, err := svc.Connect(context.Background(), cfg, ConnectOptions{Reuse: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, broker.started)

	// Without reuse a fresh session is brokered.
	third, err := svc.Connect(context.Background(), cfg, ConnectOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, broker.started)
}

func TestResolveTarget(t *testing.T) {
	svc, _ := newTestService(t, cloud.NewHealthyFakeFacts())

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"exact alias", "web-prod", "i-0aa111", false},
		{"literal id passes through", "i-0zz999", "i-0zz999", false},
		{"unambiguous fuzzy match", "dbp", "i-0cc333", false},
		{"ambiguous match refused", "web", "", true},
		{"empty refused", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ResolveTarget(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyConfigUpdatesPolicy(t *testing.T) {
	svc, _ := newTestService(t, cloud.NewHealthyFakeFacts())

	updated := testConfig()
	updated.Reconnect.MaxAttempts = 9
	updated.Reconnect.BaseDelay = 2 * time.Second
	updated.Reconnect.MaxDelay = 30 * time.Second
	svc.ApplyConfig(context.Background(), updated)

	assert.Equal(t, 9, svc.Reconnector.Policy().MaxAttempts)
	assert.Equal(t, 2*time.Second, svc.Reconnector.Policy().BaseDelay)
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t, cloud.NewHealthyFakeFacts())
	before := svc.Reconnector.Policy()

	bad := testConfig()
	bad.Reconnect.MaxAttempts = 0
	svc.ApplyConfig(context.Background(), bad)

	assert.Equal(t, before, svc.Reconnector.Policy(), "invalid update must not change the policy")
}

func TestRunStopsWithContext(t *testing.T) {
	svc, _ := newTestService(t, cloud.NewHealthyFakeFacts())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
