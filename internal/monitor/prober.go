package monitor

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cloudtether/tether/internal/core"
)

// TCPProber probes a session by dialing its local tunnel endpoint. A
// completed dial counts as a heartbeat answer.
type TCPProber struct {
	// Timeout bounds one probe dial.
	Timeout time.Duration
}

// NewTCPProber creates a prober with the given dial timeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &TCPProber{Timeout: timeout}
}

// Probe dials the session's local port and reports whether it answered.
func (p *TCPProber) Probe(ctx context.Context, s *core.Session) (bool, time.Duration) {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.LocalPort))
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return false, latency
	}
	_ = conn.Close()
	return true, latency
}

var _ core.Prober = (*TCPProber)(nil)
