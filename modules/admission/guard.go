// Package admission decides whether a new connection from a source address
// may proceed, based on its recent attempt rate and its open connections.
package admission

import (
	"math"
	"sync"
	"time"

	"github.com/example/realm-chat/domain/realm"
)

// Config holds admission limits.
type Config struct {
	// Enabled turns the guard on. A disabled guard allows everything and keeps
	// no state.
	Enabled bool
	// Window is the length of the attempt counting window.
	Window time.Duration
	// MaxAttempts is the number of attempts allowed per window.
	MaxAttempts int
	// MaxConcurrent caps open connections per address.
	MaxConcurrent int
	// SoftThreshold is the fraction of MaxAttempts after which allowed
	// attempts are delayed.
	SoftThreshold float64
	// SoftDelay is the delay added per attempt beyond the soft threshold.
	SoftDelay time.Duration
}

// Decision is the outcome of one admission evaluation.
type Decision struct {
	Address string
	Allowed bool
	// Err is realm.ErrRateLimited or realm.ErrTooManyConnections when the
	// attempt was rejected.
	Err error
	// Delay is a soft-throttle pause the caller should apply before going on.
	Delay time.Duration
	// Attempts counts this attempt and the earlier ones in the window.
	Attempts int

	tracked bool
}

// Stats is a point-in-time view of the guard's tables.
type Stats struct {
	Enabled         bool `json:"enabled"`
	Addresses       int  `json:"addresses"`
	OpenConnections int  `json:"open_connections"`
}

// Guard is the per-address admission controller. A single mutex covers both
// tables so the rate check and the concurrent count are decided together.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*realm.AttemptWindow
	open    map[string]int
}

// NewGuard creates a Guard.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:     cfg,
		windows: make(map[string]*realm.AttemptWindow),
		open:    make(map[string]int),
	}
}

// Evaluate records a connection attempt from addr and decides whether it may
// proceed. An allowed decision counts as an open connection until it is
// passed to Release.
func (g *Guard) Evaluate(addr string, now time.Time) Decision {
	d := Decision{Address: addr, Allowed: true}
	if !g.cfg.Enabled {
		return d
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[addr]
	if !ok || now.Sub(w.WindowStart) >= g.cfg.Window {
		w = &realm.AttemptWindow{WindowStart: now}
		g.windows[addr] = w
	}
	w.Count++
	d.Attempts = w.Count

	if w.Count > g.cfg.MaxAttempts {
		d.Allowed = false
		d.Err = realm.ErrRateLimited
		return d
	}
	if g.open[addr] >= g.cfg.MaxConcurrent {
		d.Allowed = false
		d.Err = realm.ErrTooManyConnections
		return d
	}

	g.open[addr]++
	d.tracked = true

	if over := w.Count - g.softLimit(); over > 0 {
		d.Delay = time.Duration(over) * g.cfg.SoftDelay
	}
	return d
}

func (g *Guard) softLimit() int {
	return int(math.Ceil(float64(g.cfg.MaxAttempts) * g.cfg.SoftThreshold))
}

// Release gives back the open connection slot taken by an allowed decision.
// Rejected and untracked decisions are ignored.
func (g *Guard) Release(d Decision) {
	if !d.tracked {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.open[d.Address]; n > 1 {
		g.open[d.Address] = n - 1
	} else {
		delete(g.open, d.Address)
	}
}

// Sweep drops attempt windows that have elapsed and returns how many were
// removed.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for addr, w := range g.windows {
		if now.Sub(w.WindowStart) >= g.cfg.Window {
			delete(g.windows, addr)
			removed++
		}
	}
	return removed
}

// Stats returns the current table sizes.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	openConns := 0
	for _, n := range g.open {
		openConns += n
	}
	return Stats{
		Enabled:         g.cfg.Enabled,
		Addresses:       len(g.windows),
		OpenConnections: openConns,
	}
}
