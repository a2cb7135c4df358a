// Package governor samples the process's own resource usage and throttles
// polling cadence across the system when configured ceilings are breached.
// It never terminates the process.
package governor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cloudtether/tether/internal/events"
)

// Usage is a read-only snapshot of process resource consumption. The
// governor is the sole writer; everyone else reads.
type Usage struct {
	Timestamp      time.Time `json:"timestamp"`
	MemoryMB       float64   `json:"memory_mb"`
	CPUPercent     float64   `json:"cpu_percent"`
	ActiveSessions int       `json:"active_sessions"`
}

// IsWithinLimits reports whether a usage sample is under both ceilings.
// Exposed as a pure predicate for testing.
func IsWithinLimits(u Usage, memLimitMB, cpuLimitPct float64) bool {
	return u.MemoryMB <= memLimitMB && u.CPUPercent <= cpuLimitPct
}

// Sampler produces one usage sample. The production implementation reads
// the current process via gopsutil.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// ProcessSampler samples the running process.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler creates a sampler for this process.
func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: p}, nil
}

// Sample reads RSS and CPU percentage for the process.
func (s *ProcessSampler) Sample(ctx context.Context) (Usage, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	cpu, err := s.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Timestamp:  time.Now(),
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		CPUPercent: cpu,
	}, nil
}

// Config holds the governor's ceilings and cadence.
type Config struct {
	SampleInterval  time.Duration
	MemoryLimitMB   float64
	CPULimitPercent float64
	// StabilityWindow is the number of consecutive breaching (or
	// recovering) samples required before the mode flips.
	StabilityWindow int
	HistorySize     int
}

// Governor runs the sampling loop and owns the low-power flag.
type Governor struct {
	cfg     Config
	sampler Sampler
	bus     *events.Bus
	logger  *slog.Logger

	lowPower atomic.Bool
	sessions atomic.Int64

	mu          sync.RWMutex
	history     []Usage
	breachRun   int
	recoveryRun int

	stopCh  chan struct{}
	stopped atomic.Bool
}

// New creates a governor.
func New(cfg Config, sampler Sampler, bus *events.Bus, logger *slog.Logger) *Governor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 60
	}
	return &Governor{
		cfg:     cfg,
		sampler: sampler,
		bus:     bus,
		logger:  logger,
		history: make([]Usage, 0, cfg.HistorySize),
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic sampling until the context is cancelled or Stop is
// called.
func (g *Governor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.tick(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop.
func (g *Governor) Stop() {
	if g.stopped.CompareAndSwap(false, true) {
		close(g.stopCh)
	}
}

// tick takes one sample and applies the debounced mode logic.
func (g *Governor) tick(ctx context.Context) {
	sample, err := g.sampler.Sample(ctx)
	if err != nil {
		g.logger.Warn("resource sample failed", "error", err)
		return
	}
	sample.ActiveSessions = int(g.sessions.Load())
	g.Observe(sample)
}

// Observe records one sample and flips the low-power mode when a breach or
// recovery is sustained across the stability window. A single breaching
// sample is debounced.
func (g *Governor) Observe(sample Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.history = append(g.history, sample)
	if len(g.history) > g.cfg.HistorySize {
		g.history = g.history[len(g.history)-g.cfg.HistorySize:]
	}

	within := IsWithinLimits(sample, g.cfg.MemoryLimitMB, g.cfg.CPULimitPercent)
	if within {
		g.breachRun = 0
		g.recoveryRun++
	} else {
		g.recoveryRun = 0
		g.breachRun++
	}

	if !g.lowPower.Load() && g.breachRun >= g.cfg.StabilityWindow {
		g.lowPower.Store(true)
		g.breachRun = 0
		g.logger.Warn("entering low-power mode",
			"memory_mb", sample.MemoryMB,
			"cpu_percent", sample.CPUPercent,
			"memory_limit_mb", g.cfg.MemoryLimitMB,
			"cpu_limit_percent", g.cfg.CPULimitPercent,
		)
		g.bus.Publish(events.NewGovernorModeEvent(true, sample.MemoryMB, sample.CPUPercent))
	} else if g.lowPower.Load() && g.recoveryRun >= g.cfg.StabilityWindow {
		g.lowPower.Store(false)
		g.recoveryRun = 0
		g.logger.Info("leaving low-power mode",
			"memory_mb", sample.MemoryMB,
			"cpu_percent", sample.CPUPercent,
		)
		g.bus.Publish(events.NewGovernorModeEvent(false, sample.MemoryMB, sample.CPUPercent))
	}
}

// LowPower reports whether reduced-cadence polling is in effect.
func (g *Governor) LowPower() bool {
	return g.lowPower.Load()
}

// SetActiveSessions updates the session count included in snapshots.
func (g *Governor) SetActiveSessions(n int) {
	g.sessions.Store(int64(n))
}

// Latest returns the most recent sample.
func (g *Governor) Latest() (Usage, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.history) == 0 {
		return Usage{}, false
	}
	return g.history[len(g.history)-1], true
}

// History returns a copy of the retained samples.
func (g *Governor) History() []Usage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Usage, len(g.history))
	copy(out, g.history)
	return out
}

// UpdateLimits applies new ceilings, used by the config watcher.
func (g *Governor) UpdateLimits(memLimitMB, cpuLimitPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.MemoryLimitMB = memLimitMB
	g.cfg.CPULimitPercent = cpuLimitPct
	g.breachRun = 0
	g.recoveryRun = 0
}
