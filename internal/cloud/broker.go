package cloud

import (
	"context"
	"fmt"

	"github.com/cloudtether/tether/internal/core"
)

// startSessionResponse mirrors the CLI's start-session output.
type startSessionResponse struct {
	HandleID  string `json:"handle_id"`
	LocalPort int    `json:"local_port"`
}

// StartSession asks the broker CLI to establish a tunnel and returns its
// handle. The tunnel itself lives in the broker process; the core tracks
// only the handle.
func (c *Client) StartSession(ctx context.Context, cfg core.SessionConfig) (core.BrokerHandle, error) {
	args := []string{
		"start-session",
		"--target-id", cfg.TargetID,
		"--remote-port", fmt.Sprint(cfg.RemotePort),
		"--output", "json",
	}
	if cfg.LocalPort != 0 {
		args = append(args, "--local-port", fmt.Sprint(cfg.LocalPort))
	}
	if cfg.RemoteHost != "" {
		args = append(args, "--remote-host", cfg.RemoteHost)
	}

	var resp startSessionResponse
	if err := c.call(ctx, &resp, args...); err != nil {
		return core.BrokerHandle{}, err
	}
	if resp.HandleID == "" {
		return core.BrokerHandle{}, core.ErrInternal("broker returned an empty session handle")
	}
	return core.BrokerHandle{ID: resp.HandleID, LocalPort: resp.LocalPort}, nil
}

// TerminateSession tears down a tunnel by handle.
func (c *Client) TerminateSession(ctx context.Context, handle core.BrokerHandle) error {
	return c.call(ctx, nil, "terminate-session", "--handle-id", handle.ID)
}

var _ core.BrokerClient = (*Client)(nil)
