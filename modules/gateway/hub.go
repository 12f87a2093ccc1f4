package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/realm-chat/config"
	"github.com/example/realm-chat/domain/realm"
	"github.com/example/realm-chat/events"
	"github.com/example/realm-chat/modules/admission"
	"github.com/example/realm-chat/modules/identity"
	"github.com/example/realm-chat/modules/liveness"
	"github.com/example/realm-chat/modules/presence"
)

const (
	writeWait    = 10 * time.Second
	closeGrace   = time.Second
	storeTimeout = 2 * time.Second
)

// HubConfig holds the per-session limits.
type HubConfig struct {
	Heartbeat        liveness.Config
	HistoryReplay    int
	MaxMessageLength int
	MaxNameLength    int
	MessageRate      rate.Limit
	MessageBurst     int
	SendBuffer       int
}

// frameOverhead covers the envelope keys and JSON escaping around the
// user-supplied fields of a frame.
const frameOverhead = 512

// readLimit bounds a single inbound frame. Every rune of user text may
// arrive as a six-byte \uXXXX escape.
func (c HubConfig) readLimit() int64 {
	return int64((c.MaxMessageLength+c.MaxNameLength+identity.MaxRoomLength)*6 + frameOverhead)
}

// readWait is how long a read may block before the peer counts as gone.
func (c HubConfig) readWait() time.Duration {
	return c.Heartbeat.Interval + c.Heartbeat.Timeout
}

// HubConfigFrom extracts the session settings from the server configuration.
func HubConfigFrom(cfg *config.Config) HubConfig {
	return HubConfig{
		Heartbeat: liveness.Config{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
		HistoryReplay:    cfg.HistoryReplaySize(),
		MaxMessageLength: cfg.MaxMessageLength,
		MaxNameLength:    cfg.MaxNameLength,
		MessageRate:      rate.Limit(cfg.MessageRate),
		MessageBurst:     cfg.MessageBurst,
		SendBuffer:       cfg.SendBuffer,
	}
}

// Deps are the shared components every session works against.
type Deps struct {
	Registry *presence.Registry
	Arbiter  *identity.Arbiter
	Guard    *admission.Guard
	History  realm.HistoryStore
	Logger   types.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// HubStats is a point-in-time view of live sessions.
type HubStats struct {
	Sessions int `json:"sessions"`
	Active   int `json:"active"`
}

// Hub runs sessions and tracks the live ones for shutdown and sweeping.
type Hub struct {
	cfg      HubConfig
	registry *presence.Registry
	arbiter  *identity.Arbiter
	guard    *admission.Guard
	history  realm.HistoryStore
	logger   types.Logger
	now      func() time.Time

	eventBus atomic.Pointer[mono.EventBus]
	closed   atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig, deps Deps) *Hub {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		cfg:      cfg,
		registry: deps.Registry,
		arbiter:  deps.Arbiter,
		guard:    deps.Guard,
		history:  deps.History,
		logger:   deps.Logger,
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// SetEventBus enables domain event publishing.
func (h *Hub) SetEventBus(bus mono.EventBus) {
	if bus == nil {
		return
	}
	h.eventBus.Store(&bus)
}

// Serve runs one connection until it is closed and fully torn down.
func (h *Hub) Serve(conn Conn, addr string) {
	s := newSession(h, conn, addr)
	h.track(s)
	defer h.untrack(s)

	go s.writeLoop()
	s.run()
	s.wait()
}

// Closed reports whether the hub has begun shutting down.
func (h *Hub) Closed() bool {
	return h.closed.Load()
}

// Shutdown refuses new sessions, closes every live session with the
// server-shutdown close code and waits for them to flush, or for ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closed.Store(true)

	sessions := h.snapshot()
	h.logger.Info("Closing sessions for shutdown", "sessions", len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			s.terminate(realm.CloseServerShutdown, realm.ReasonServerShutdown)
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Sweep closes sessions whose transport is gone but whose teardown has not
// finished, and sessions that never joined a room within one heartbeat
// period. It returns how many were closed.
func (h *Hub) Sweep(now time.Time) int {
	joinDeadline := h.cfg.Heartbeat.Interval + h.cfg.Heartbeat.Timeout

	reaped := 0
	for _, s := range h.snapshot() {
		switch {
		case s.transportGone():
			s.terminate(realm.CloseInternalError, realm.ReasonTransportFailure)
			_ = s.conn.Close()
			reaped++
		case s.State() == realm.StateAwaitingJoin && now.Sub(s.acceptedAt) > joinDeadline:
			h.logger.Debug("Closing session that never joined", "session", s.id, "address", s.addr)
			s.terminate(realm.CloseHeartbeatTimeout, realm.ReasonHeartbeatTimeout)
			reaped++
		}
	}
	return reaped
}

// Stats counts live sessions.
func (h *Hub) Stats() HubStats {
	sessions := h.snapshot()
	st := HubStats{Sessions: len(sessions)}
	for _, s := range sessions {
		if s.State() == realm.StateActive {
			st.Active++
		}
	}
	return st
}

func (h *Hub) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
}

func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) bus() mono.EventBus {
	if p := h.eventBus.Load(); p != nil {
		return *p
	}
	return nil
}

func (h *Hub) publishMessageSent(entry realm.ChatEntry, persisted bool) {
	bus := h.bus()
	if bus == nil {
		return
	}
	evt := events.MessageSentEvent{
		EntryID:   entry.ID,
		Room:      entry.Room,
		Author:    entry.Author,
		Text:      entry.Text,
		Persisted: persisted,
		Timestamp: entry.Time,
	}
	if err := events.MessageSentV1.Publish(bus, evt, nil); err != nil {
		h.logger.Warn("Failed to publish MessageSent event", "error", err)
	}
}

func (h *Hub) publishMemberJoined(s *Session, claim identity.Claim, at time.Time) {
	bus := h.bus()
	if bus == nil {
		return
	}
	evt := events.MemberJoinedEvent{
		SessionID: s.id,
		Room:      claim.Room,
		Name:      claim.Name,
		Address:   s.addr,
		Reclaimed: claim.Reclaimed,
		Timestamp: at,
	}
	if err := events.MemberJoinedV1.Publish(bus, evt, nil); err != nil {
		h.logger.Warn("Failed to publish MemberJoined event", "error", err)
	}
}

func (h *Hub) publishMemberLeft(s *Session, room, name, reason string, res realm.NameReservation, at time.Time) {
	bus := h.bus()
	if bus == nil {
		return
	}
	evt := events.MemberLeftEvent{
		SessionID: s.id,
		Room:      room,
		Name:      name,
		Reason:    reason,
		ReleaseAt: res.ReleaseAt,
		Timestamp: at,
	}
	if err := events.MemberLeftV1.Publish(bus, evt, nil); err != nil {
		h.logger.Warn("Failed to publish MemberLeft event", "error", err)
	}
}

func (h *Hub) publishSessionReaped(s *Session, room, name string) {
	bus := h.bus()
	if bus == nil {
		return
	}
	evt := events.SessionReapedEvent{
		SessionID: s.id,
		Room:      room,
		Name:      name,
		Timestamp: h.now(),
	}
	if err := events.SessionReapedV1.Publish(bus, evt, nil); err != nil {
		h.logger.Warn("Failed to publish SessionReaped event", "error", err)
	}
}

func (h *Hub) publishAdmissionRejected(addr string, err error) {
	bus := h.bus()
	if bus == nil {
		return
	}
	evt := events.AdmissionRejectedEvent{
		Address:   addr,
		Code:      realm.ErrorCode(err),
		Timestamp: h.now(),
	}
	if err := events.AdmissionRejectedV1.Publish(bus, evt, nil); err != nil {
		h.logger.Warn("Failed to publish AdmissionRejected event", "error", err)
	}
}
