// Package liveness detects half-open connections by probing each active
// session and reaping the ones that stop acknowledging.
package liveness

import (
	"sync"
	"sync/atomic"
	"time"
)

// Target is the session side of a Monitor.
type Target interface {
	// Probe sends one liveness probe. An error means the transport is gone.
	Probe() error
	// Reap closes the target after a missed acknowledgement. It runs on the
	// monitor goroutine and must not wait for the monitor to exit.
	Reap()
}

// Config holds probe timing.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration
	// Timeout is how long a probe may go unacknowledged.
	Timeout time.Duration
}

// Monitor probes one Target until stopped or until the target is reaped.
// A session that stops acknowledging is reaped at most Interval+Timeout
// after its last acknowledgement.
type Monitor struct {
	cfg    Config
	target Target

	alive  atomic.Bool
	reaped atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// New creates a Monitor. The target counts as alive until the first probe.
func New(cfg Config, target Target) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		target:   target,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	m.alive.Store(true)
	return m
}

// Start launches the probe loop. Calling it more than once has no effect.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Ack records proof of life from the client.
func (m *Monitor) Ack() {
	m.alive.Store(true)
}

// Stop ends the probe loop. It does not wait; use Done for that. Safe to call
// from any goroutine, any number of times, before or after Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	// A monitor that was never started has nothing to wait for.
	m.startOnce.Do(func() {
		close(m.doneChan)
	})
}

// Done is closed once the probe loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.doneChan
}

// Reaped reports whether the monitor closed its target.
func (m *Monitor) Reaped() bool {
	return m.reaped.Load()
}

func (m *Monitor) run() {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	timer := time.NewTimer(m.cfg.Timeout)
	timer.Stop()
	defer timer.Stop()

	var deadline <-chan time.Time
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if deadline != nil && !m.alive.Load() {
				m.reap()
				return
			}
			m.alive.Store(false)
			if err := m.target.Probe(); err != nil {
				m.reap()
				return
			}
			timer.Reset(m.cfg.Timeout)
			deadline = timer.C
		case <-deadline:
			deadline = nil
			if !m.alive.Load() {
				m.reap()
				return
			}
		}
	}
}

func (m *Monitor) reap() {
	select {
	case <-m.stopChan:
		// Stopped while the last probe was in flight; teardown is already
		// under way elsewhere.
		return
	default:
	}
	m.reaped.Store(true)
	m.target.Reap()
}
