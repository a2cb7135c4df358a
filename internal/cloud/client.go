// Package cloud adapts the provider's CLI into the facts and broker clients
// the core consumes. All provider access goes through a single configured
// binary; responses are JSON on stdout.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloudtether/tether/internal/core"
)

// Config locates the provider CLI.
type Config struct {
	// Binary is the provider CLI executable. Defaults to "tether-broker".
	Binary string
	// Profile and Region are passed through to every invocation when set.
	Profile string
	Region  string
	// CallTimeout bounds one CLI invocation.
	CallTimeout time.Duration
	// RetryMaxElapsed bounds the transient-retry budget per call. Zero
	// disables retries.
	RetryMaxElapsed time.Duration
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "tether-broker"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
}

// Client shells out to the provider CLI. It implements both core.FactsClient
// and core.BrokerClient.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// runner is swapped in tests.
	runner func(ctx context.Context, args ...string) ([]byte, error)
}

// New creates a CLI-backed client.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	c := &Client{cfg: cfg, logger: logger}
	c.runner = c.runCLI
	return c
}

// runCLI invokes the provider binary once.
func (c *Client) runCLI(ctx context.Context, args ...string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	full := args
	if c.cfg.Profile != "" {
		full = append(full, "--profile", c.cfg.Profile)
	}
	if c.cfg.Region != "" {
		full = append(full, "--region", c.cfg.Region)
	}

	cmd := exec.CommandContext(callCtx, c.cfg.Binary, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("provider cli call",
		"args", strings.Join(args, " "),
		"duration", time.Since(start).Round(time.Millisecond),
		"error", err,
	)
	if err != nil {
		return nil, classifyCLIError(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// classifyCLIError maps CLI failures onto the domain taxonomy.
func classifyCLIError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}

	switch {
	case strings.Contains(stderr, "AccessDenied"),
		strings.Contains(stderr, "UnauthorizedOperation"),
		strings.Contains(stderr, "not authorized"):
		return core.ErrAuthorization(msg, "Verify the caller's broker permissions").WithCause(err)
	case strings.Contains(stderr, "NotFound"),
		strings.Contains(stderr, "InvalidInstanceID"):
		return core.ErrNotFound("target", msg).WithCause(err)
	case strings.Contains(stderr, "Throttling"),
		strings.Contains(stderr, "RequestLimitExceeded"),
		strings.Contains(stderr, "connection refused"),
		strings.Contains(stderr, "timeout"),
		errors.Is(err, context.DeadlineExceeded):
		return core.ErrTransientNetwork(msg).WithCause(err)
	default:
		return core.ErrInternal(msg).WithCause(err)
	}
}

// call runs a CLI invocation with transient-error retries and decodes the
// JSON response into out.
func (c *Client) call(ctx context.Context, out interface{}, args ...string) error {
	op := func() error {
		data, err := c.runner(ctx, args...)
		if err != nil {
			if core.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(core.ErrInternal(fmt.Sprintf("malformed CLI response: %v", err)))
		}
		return nil
	}

	if c.cfg.RetryMaxElapsed <= 0 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.RetryMaxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// instanceStateResponse mirrors the CLI's describe-instance-state output.
type instanceStateResponse struct {
	State string `json:"state"`
}

// DescribeInstanceState returns the target's lifecycle state.
func (c *Client) DescribeInstanceState(ctx context.Context, targetID string) (core.InstanceState, error) {
	var resp instanceStateResponse
	if err := c.call(ctx, &resp, "describe-instance-state", "--target-id", targetID, "--output", "json"); err != nil {
		return core.InstanceUnknown, err
	}
	switch s := core.InstanceState(resp.State); s {
	case core.InstanceRunning, core.InstancePending, core.InstanceStopping, core.InstanceStopped:
		return s, nil
	default:
		return core.InstanceUnknown, nil
	}
}

type agentRegistrationResponse struct {
	Registered bool      `json:"registered"`
	LastPing   time.Time `json:"last_ping"`
	Version    string    `json:"version"`
}

// DescribeAgentRegistration returns the broker-agent registration facts.
func (c *Client) DescribeAgentRegistration(ctx context.Context, targetID string) (core.AgentRegistration, error) {
	var resp agentRegistrationResponse
	if err := c.call(ctx, &resp, "describe-agent-registration", "--target-id", targetID, "--output", "json"); err != nil {
		return core.AgentRegistration{}, err
	}
	return core.AgentRegistration{
		Registered: resp.Registered,
		LastPing:   resp.LastPing,
		Version:    resp.Version,
	}, nil
}

type permissionsResponse struct {
	Grants []core.PermissionGrant `json:"grants"`
}

// DescribePermissions evaluates the given actions for the caller.
func (c *Client) DescribePermissions(ctx context.Context, targetID string, actions []string) ([]core.PermissionGrant, error) {
	args := []string{"describe-permissions", "--target-id", targetID, "--output", "json"}
	for _, a := range actions {
		args = append(args, "--action", a)
	}
	var resp permissionsResponse
	if err := c.call(ctx, &resp, args...); err != nil {
		return nil, err
	}
	return resp.Grants, nil
}

// DescribeNetworkConfig returns the target's network facts.
func (c *Client) DescribeNetworkConfig(ctx context.Context, targetID string) (core.NetworkConfig, error) {
	var resp core.NetworkConfig
	if err := c.call(ctx, &resp, "describe-network-config", "--target-id", targetID, "--output", "json"); err != nil {
		return core.NetworkConfig{}, err
	}
	return resp, nil
}

// StartInstance requests that a stopped target be started.
func (c *Client) StartInstance(ctx context.Context, targetID string) error {
	return c.call(ctx, nil, "start-instance", "--target-id", targetID)
}

// RestartAgent issues a remote restart of the broker agent.
func (c *Client) RestartAgent(ctx context.Context, targetID string) error {
	return c.call(ctx, nil, "restart-agent", "--target-id", targetID)
}

var _ core.FactsClient = (*Client)(nil)
