package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudtether/tether/internal/cloud"
	"github.com/cloudtether/tether/internal/config"
	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/events"
	"github.com/cloudtether/tether/internal/governor"
	"github.com/cloudtether/tether/internal/service"
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

func newTestServer(t *testing.T, facts core.FactsClient) (*httptest.Server, *service.Service) {
	t.Helper()
	cfg, err := config.NewLoader().Load()
	require.NoError(t, err)
	cfg.Store.Driver = "none"
	cfg.Fix.Unattended = true

	svc, err := service.New(cfg, slog.New(slog.DiscardHandler), service.Options{
		Facts:   facts,
		Broker:  &fakeBroker{},
		Sampler: fakeSampler{},
		Prober:  okProber{},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srv := New(Config{Addr: "127.0.0.1:0"}, svc, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, cloud.NewHealthyFakeFacts())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, cloud.NewHealthyFakeFacts())

	resp := postJSON(t, ts.URL+"/api/v1/sessions", map[string]interface{}{
		"target":      "i-0abc",
		"remote_port": 22,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess core.Session
	decodeBody(t, resp, &sess)
	assert.Equal(t, core.StatusActive, sess.Status)
	assert.NotEmpty(t, sess.ID)

	listResp, err := http.Get(ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []core.Session `json:"sessions"`
	}
	decodeBody(t, listResp, &list)
	require.Len(t, list.Sessions, 1)

	healthResp, err := http.Get(ts.URL + "/api/v1/sessions/" + sess.ID + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)
	healthResp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+sess.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	delResp.Body.Close()

	// Gone now.
	missingResp, err := http.Get(ts.URL + "/api/v1/sessions/" + sess.ID + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
	missingResp.Body.Close()
}

func TestCreateSessionBlockedByPreflight(t *testing.T) {
	facts := cloud.NewHealthyFakeFacts()
	facts.Registration = core.AgentRegistration{Registered: false}
	ts, _ := newTestServer(t, facts)

	resp := postJSON(t, ts.URL+"/api/v1/sessions", map[string]interface{}{
		"target":      "i-0abc",
		"remote_port": 22,
	})
	var body errorBody
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "PREFLIGHT_BLOCKED", body.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	ts, _ := newTestServer(t, cloud.NewHealthyFakeFacts())

	resp := postJSON(t, ts.URL+"/api/v1/sessions", map[string]interface{}{
		"target":      "i-0abc",
		"remote_port": 22,
		"priority":    "urgent",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestTerminateUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, cloud.NewHealthyFakeFacts())

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDiagnosticsEndpoint(t *testing.T) {
	facts := cloud.NewHealthyFakeFacts()
	facts.State = core.InstanceStopped
	ts, _ := newTestServer(t, facts)

	resp := postJSON(t, ts.URL+"/api/v1/targets/i-0abc/diagnostics", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report struct {
		Findings   []core.Finding  `json:"findings"`
		Likelihood core.Likelihood `json:"likelihood"`
	}
	decodeBody(t, resp, &report)
	assert.NotEmpty(t, report.Findings)
	assert.Less(t, report.Likelihood.Percentage, 95)
}

func TestPreventiveCheckEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, cloud.NewHealthyFakeFacts())

	resp := postJSON(t, ts.URL+"/api/v1/targets/i-0abc/check", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &result)
	assert.Equal(t, "passed", result.Status)
}

func TestFixEndpoint(t *testing.T) {
	facts := cloud.NewHealthyFakeFacts()
	facts.State = core.InstanceStopped
	facts.OnStartInstance = func(f *cloud.FakeFacts) { f.State = core.InstanceRunning }
	ts, _ := newTestServer(t, facts)

	resp := postJSON(t, ts.URL+"/api/v1/targets/i-0abc/fix", map[string]interface{}{
		"check": "instance_state",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var attempt struct {
		State string `json:"state"`
	}
	decodeBody(t, resp, &attempt)
	assert.Equal(t, "success", attempt.State)
}

func TestFixEndpointUnknownCheck(t *testing.T) {
	ts, _ := newTestServer(t, cloud.NewHealthyFakeFacts())

	resp := postJSON(t, ts.URL+"/api/v1/targets/i-0abc/fix", map[string]interface{}{
		"check": "reboot_everything",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestUsageEndpoint(t *testing.T) {
	ts, svc := newTestServer(t, cloud.NewHealthyFakeFacts())
	svc.Governor.Observe(governor.Usage{Timestamp: time.Now(), MemoryMB: 4.2, CPUPercent: 0.1})

	resp, err := http.Get(ts.URL + "/api/v1/usage")
	require.NoError(t, err)
	var body struct {
		LowPower bool            `json:"low_power"`
		Current  *governor.Usage `json:"current"`
	}
	decodeBody(t, resp, &body)
	assert.False(t, body.LowPower)
	require.NotNil(t, body.Current)
	assert.InDelta(t, 4.2, body.Current.MemoryMB, 0.001)
}

func TestSSEStreamsBusEvents(t *testing.T) {
	ts, svc := newTestServer(t, cloud.NewHealthyFakeFacts())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?types="+events.TypeGovernorMode, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	svc.Bus.Publish(events.NewGovernorModeEvent(true, 12.5, 0.9))

	deadline := time.After(3 * time.Second)
	for {
		lineCh := make(chan string, 1)
		go func() {
			l, rerr := reader.ReadString('\n')
			if rerr == nil {
				lineCh <- l
			}
		}()
		select {
		case l := <-lineCh:
			if strings.HasPrefix(l, "event: "+events.TypeGovernorMode) {
				data, rerr := reader.ReadString('\n')
				require.NoError(t, rerr)
				assert.Contains(t, data, `"low_power":true`)
				return
			}
		case <-deadline:
			t.Fatal("governor event never arrived on the stream")
		}
	}
}
