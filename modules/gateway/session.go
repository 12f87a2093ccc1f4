package gateway

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/example/realm-chat/domain/realm"
	"github.com/example/realm-chat/modules/admission"
	"github.com/example/realm-chat/modules/identity"
	"github.com/example/realm-chat/modules/liveness"
)

// Session is the server side of one client connection. The read loop runs on
// the goroutine that called Hub.Serve, writes run on writeLoop, and the
// liveness monitor runs on its own goroutine once the session is active.
// Every exit path goes through terminate.
type Session struct {
	hub        *Hub
	id         string
	addr       string
	conn       Conn
	acceptedAt time.Time
	limiter    *rate.Limiter

	mu       sync.Mutex
	state    realm.SessionState
	room     string
	name     string
	joinedAt time.Time

	slot    admission.Decision
	monitor atomic.Pointer[liveness.Monitor]
	broken  atomic.Bool

	out         chan []byte
	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	readDone   chan struct{}
	writerDone chan struct{}
	done       chan struct{}
}

func newSession(h *Hub, conn Conn, addr string) *Session {
	return &Session{
		hub:        h,
		id:         uuid.NewString(),
		addr:       addr,
		conn:       conn,
		acceptedAt: h.now(),
		limiter:    rate.NewLimiter(h.cfg.MessageRate, h.cfg.MessageBurst),
		state:      realm.StateConnecting,
		out:        make(chan []byte, h.cfg.SendBuffer),
		closing:    make(chan struct{}),
		readDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the session handle.
func (s *Session) ID() string {
	return s.id
}

// DisplayName returns the claimed name, empty before the first join.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the current protocol state.
func (s *Session) State() realm.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deliver queues payload for the client without blocking. It returns false
// when the session is closing or its queue is full.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

// run is the Connecting -> AwaitingJoin -> Active part of the lifecycle.
func (s *Session) run() {
	h := s.hub

	if h.Closed() {
		close(s.readDone)
		s.terminate(realm.CloseServerShutdown, realm.ReasonServerShutdown)
		return
	}

	d := h.guard.Evaluate(s.addr, h.now())
	if !d.Allowed {
		close(s.readDone)
		h.logger.Warn("Connection rejected by admission guard",
			"address", s.addr, "attempts", d.Attempts, "error", d.Err)
		h.publishAdmissionRejected(s.addr, d.Err)
		s.reject(d.Err)
		return
	}
	s.mu.Lock()
	if s.state >= realm.StateClosing {
		// Torn down while being admitted; terminate had no slot to give back.
		s.mu.Unlock()
		h.guard.Release(d)
		close(s.readDone)
		return
	}
	s.slot = d
	s.mu.Unlock()

	if d.Delay > 0 {
		h.logger.Debug("Soft-throttling connection", "address", s.addr, "delay", d.Delay)
		select {
		case <-time.After(d.Delay):
		case <-s.closing:
			close(s.readDone)
			return
		}
	}

	s.conn.SetReadLimit(h.cfg.readLimit())
	s.conn.SetPongHandler(func(string) error {
		s.ack()
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.readWait()))
	})
	s.setState(realm.StateAwaitingJoin)
	s.readLoop()
}

func (s *Session) readLoop() {
	defer close(s.readDone)

	for {
		select {
		case <-s.closing:
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.readWait()))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.readFailed(err)
			}
			return
		}

		s.ack()
		s.handle(data)
	}
}

// readFailed tears the session down after the read side ended on its own.
func (s *Session) readFailed(err error) {
	switch {
	case isTimeout(err) && s.State() == realm.StateActive:
		s.Reap()
	case isTimeout(err):
		s.hub.logger.Debug("Closing session that never joined", "session", s.id, "address", s.addr)
		s.terminate(realm.CloseHeartbeatTimeout, realm.ReasonHeartbeatTimeout)
	case errors.Is(err, fastws.ErrReadLimit):
		s.hub.logger.Warn("Frame exceeds read limit", "session", s.id, "address", s.addr)
		s.terminate(realm.CloseMessageTooBig, realm.ReasonMessageTooBig)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.hub.logger.Warn("Session transport failed", "session", s.id, "address", s.addr, "error", err)
		s.terminate(realm.CloseInternalError, realm.ReasonTransportFailure)
	default:
		s.terminate(realm.CloseNormal, realm.ReasonClientClosed)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) handle(data []byte) {
	env, err := realm.DecodeClientEnvelope(data)
	if err != nil {
		s.hub.logger.Debug("Malformed envelope", "session", s.id, "error", err)
		s.reject(err)
		return
	}

	switch env.Type {
	case realm.TypePing:
		s.Deliver(realm.EncodePong())
	case realm.TypePong, realm.TypeHeartbeat:
		// Acknowledged by the read loop.
	case realm.TypeSubscribe:
		s.handleSubscribe(env)
	case realm.TypeMessage:
		s.handleMessage(env)
	default:
		s.Deliver(realm.EncodeError(realm.CodeInvalidInput, "unknown message type: "+env.Type, 0))
	}
}

func (s *Session) handleSubscribe(env realm.ClientEnvelope) {
	state := s.State()
	if state != realm.StateAwaitingJoin && state != realm.StateActive {
		return
	}

	room, err := identity.NormalizeRoom(env.RoomName())
	if err != nil {
		if state == realm.StateActive {
			s.Deliver(realm.EncodeErrorFor(err))
			return
		}
		s.reject(err)
		return
	}

	if state == realm.StateActive {
		s.rename(room, env.DisplayName())
		return
	}
	s.join(room, env.DisplayName())
}

// join claims the name, registers the session in the room and starts the
// liveness monitor. A failed claim closes the session without touching the
// registry.
func (s *Session) join(room, name string) {
	h := s.hub
	now := h.now()

	claim, err := h.arbiter.Claim(room, name, s.id, s.addr, now)
	if err != nil {
		h.logger.Warn("Join rejected", "session", s.id, "room", room, "name", name, "error", err)
		s.reject(err)
		return
	}

	s.mu.Lock()
	if s.state != realm.StateAwaitingJoin {
		s.mu.Unlock()
		h.arbiter.Release(s.id, s.addr, now)
		return
	}
	s.room, s.name, s.joinedAt = room, claim.Name, now
	s.state = realm.StateActive
	s.mu.Unlock()

	h.registry.Join(room, s, func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		entries, err := h.history.Recent(ctx, room, h.cfg.HistoryReplay)
		if err != nil {
			h.logger.Warn("History read failed", "room", room, "error", err)
		}
		s.Deliver(realm.EncodeSubscribeSuccess(room, claim.Name))
		s.Deliver(realm.EncodeHistory(entries))
	})

	s.mu.Lock()
	if s.state != realm.StateActive {
		// Torn down while joining; terminate may have run before Join.
		s.mu.Unlock()
		h.registry.Leave(room, s)
		return
	}
	m := liveness.New(h.cfg.Heartbeat, s)
	s.monitor.Store(m)
	s.mu.Unlock()
	m.Start()

	h.logger.Info("Member joined", "session", s.id, "room", room, "name", claim.Name, "reclaimed", claim.Reclaimed)
	h.publishMemberJoined(s, claim, now)
}

// rename runs the claim flow for a new name while active. On failure the
// previous name stays in place.
func (s *Session) rename(room, name string) {
	h := s.hub

	s.mu.Lock()
	current := s.room
	s.mu.Unlock()
	if room != current {
		s.Deliver(realm.EncodeErrorFor(realm.ErrRoomLocked))
		return
	}

	claim, err := h.arbiter.Claim(room, name, s.id, s.addr, h.now())
	if err != nil {
		h.logger.Debug("Rename rejected", "session", s.id, "room", room, "name", name, "error", err)
		s.Deliver(realm.EncodeErrorFor(err))
		return
	}

	s.mu.Lock()
	s.name = claim.Name
	s.mu.Unlock()

	s.Deliver(realm.EncodeSubscribeSuccess(room, claim.Name))
	if claim.Previous != "" {
		h.registry.Refresh(room)
		h.logger.Info("Member renamed", "session", s.id, "room", room, "from", claim.Previous, "to", claim.Name)
	}
}

func (s *Session) handleMessage(env realm.ClientEnvelope) {
	h := s.hub

	s.mu.Lock()
	state, room, name := s.state, s.room, s.name
	s.mu.Unlock()

	if state != realm.StateActive {
		s.Deliver(realm.EncodeError(realm.CodeInvalidInput, "join a room before sending messages", 0))
		return
	}

	text := strings.TrimSpace(env.Text)
	if text == "" {
		return
	}
	if !s.limiter.Allow() {
		s.Deliver(realm.EncodeError(realm.CodeRateLimited, "sending too fast", 0))
		return
	}
	if utf8.RuneCountInString(text) > h.cfg.MaxMessageLength {
		text = string([]rune(text)[:h.cfg.MaxMessageLength])
	}

	entry := realm.ChatEntry{
		ID:     uuid.NewString(),
		Time:   h.now().UTC(),
		Room:   room,
		Author: name,
		Text:   text,
	}

	persisted := true
	h.registry.Dispatch(room, "", func() ([]byte, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.history.Append(ctx, entry); err != nil {
			persisted = false
			h.logger.Warn("History append failed, broadcasting anyway", "room", room, "error", err)
		}
		return realm.EncodeNewMessage(entry), true
	})

	h.logger.Debug("Message sent", "session", s.id, "room", room)
	h.publishMessageSent(entry, persisted)
}

// reject reports err to the client and closes the session with the matching
// close code.
func (s *Session) reject(err error) {
	s.Deliver(realm.EncodeErrorFor(err))
	s.terminate(realm.CloseCode(err), realm.ErrorCode(err))
}

// Probe sends a ping control frame and a heartbeat envelope.
func (s *Session) Probe() error {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return err
	}
	s.Deliver(realm.EncodeHeartbeat())
	return nil
}

// Reap closes a session whose client stopped acknowledging probes.
func (s *Session) Reap() {
	s.mu.Lock()
	room, name := s.room, s.name
	s.mu.Unlock()

	s.hub.logger.Warn("Reaping unresponsive session", "session", s.id, "room", room, "name", name)
	s.hub.publishSessionReaped(s, room, name)
	s.terminate(realm.CloseHeartbeatTimeout, realm.ReasonHeartbeatTimeout)
}

func (s *Session) ack() {
	if m := s.monitor.Load(); m != nil {
		m.Ack()
	}
}

func (s *Session) setState(state realm.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state < state {
		s.state = state
	}
}

// terminate is the single teardown path. The first call releases the room
// membership, the name (into a reservation), the liveness monitor and the
// admission slot, then tells the writer to flush and send the close frame.
// Later calls do nothing.
func (s *Session) terminate(code int, reason string) {
	s.closeOnce.Do(func() {
		h := s.hub
		now := h.now()

		s.mu.Lock()
		prev := s.state
		s.state = realm.StateClosing
		room, name := s.room, s.name
		slot := s.slot
		s.slot = admission.Decision{}
		s.mu.Unlock()

		if m := s.monitor.Load(); m != nil {
			m.Stop()
		}

		if prev == realm.StateActive {
			h.registry.Leave(room, s)
			res, _ := h.arbiter.Release(s.id, s.addr, now)
			h.logger.Info("Member left", "session", s.id, "room", room, "name", name, "reason", reason)
			h.publishMemberLeft(s, room, name, reason, res, now)
		}
		h.guard.Release(slot)

		s.closeCode, s.closeReason = code, reason
		close(s.closing)
	})
}

// writeLoop owns every data and close frame written to the connection.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case payload := <-s.out:
			s.write(payload)
		case <-s.closing:
			s.flush()
			s.writeClose()
			select {
			case <-s.readDone:
			case <-time.After(closeGrace):
				// The peer never answered the close frame; wake the reader.
				_ = s.conn.SetReadDeadline(time.Now())
			}
			_ = s.conn.Close()
			return
		}
	}
}

func (s *Session) write(payload []byte) {
	if s.broken.Load() {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.broken.Store(true)
		s.hub.logger.Debug("Session write failed", "session", s.id, "error", err)
		s.terminate(realm.CloseInternalError, realm.ReasonTransportFailure)
	}
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case payload := <-s.out:
			s.write(payload)
		default:
			return
		}
	}
}

func (s *Session) writeClose() {
	if s.broken.Load() {
		return
	}
	msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// transportGone reports a connection whose reader or writer has failed
// without teardown having started.
func (s *Session) transportGone() bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	if s.broken.Load() {
		return true
	}
	select {
	case <-s.readDone:
		return true
	default:
		return false
	}
}

// wait blocks until the writer and the liveness monitor have exited.
func (s *Session) wait() {
	<-s.writerDone
	if m := s.monitor.Load(); m != nil {
		<-m.Done()
	}
	s.mu.Lock()
	s.state = realm.StateClosed
	s.mu.Unlock()
	close(s.done)
}
