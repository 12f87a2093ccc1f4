// Package sweeper periodically clears expired state out of the in-memory
// tables: stale admission windows, lapsed name reservations, empty rooms and
// sessions whose transport is gone.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Sweepable drops whatever expired as of now and reports how many items it
// removed.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Target is a named Sweepable.
type Target struct {
	Name  string
	Table Sweepable
}

// Module runs every target on a fixed interval.
type Module struct {
	interval time.Duration
	targets  []Target
	logger   types.Logger
	now      func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	runs    int
	lastRun time.Time
	totals  map[string]int
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a sweeper over targets.
func NewModule(interval time.Duration, targets []Target, logger types.Logger) *Module {
	return &Module{
		interval: interval,
		targets:  targets,
		logger:   logger,
		now:      time.Now,
		totals:   make(map[string]int),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "sweeper"
}

// Start launches the sweep loop.
func (m *Module) Start(_ context.Context) error {
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})

	go m.run()

	m.logger.Info("Sweeper started", "interval", m.interval, "targets", len(m.targets))
	return nil
}

func (m *Module) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer close(m.doneChan)

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce runs every target once and returns the per-target removals.
func (m *Module) SweepOnce() map[string]int {
	now := m.now()
	removed := make(map[string]int, len(m.targets))
	for _, t := range m.targets {
		if n := t.Table.Sweep(now); n > 0 {
			removed[t.Name] = n
		}
	}

	m.mu.Lock()
	m.runs++
	m.lastRun = now
	for name, n := range removed {
		m.totals[name] += n
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.logger.Debug("Sweep removed expired state", "removed", removed)
	}
	return removed
}

// Stop ends the sweep loop and waits for it, or for ctx.
func (m *Module) Stop(ctx context.Context) error {
	if m.stopChan == nil {
		return nil
	}

	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	select {
	case <-m.doneChan:
		m.logger.Info("Sweeper stopped")
	case <-ctx.Done():
		m.logger.Warn("Sweeper shutdown timeout exceeded")
		return ctx.Err()
	}
	return nil
}

// Health reports how often the sweeper ran and what it removed.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := make(map[string]int, len(m.totals))
	for name, n := range m.totals {
		totals[name] = n
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"runs":     m.runs,
			"last_run": m.lastRun,
			"removed":  totals,
		},
	}
}
