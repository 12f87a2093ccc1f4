package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/example/realm-chat/domain/realm"
	"github.com/example/realm-chat/modules/admission"
	"github.com/example/realm-chat/modules/history"
	"github.com/example/realm-chat/modules/identity"
	"github.com/example/realm-chat/modules/liveness"
	"github.com/example/realm-chat/modules/presence"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string, _ ...any)  {}
func (m *mockLogger) Warn(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string, _ ...any) {}
func (m *mockLogger) With(_ ...any) types.Logger {
	return m
}
func (m *mockLogger) WithModule(_ string) types.Logger {
	return m
}
func (m *mockLogger) WithError(_ error) types.Logger {
	return m
}

const waitFor = 2 * time.Second

// fakeConn is an in-memory Conn. The client side pushes frames with send and
// reads what the session wrote with next. A close frame from the server is
// echoed back like a well-behaved client would, unless the peer is silent.
// Read deadlines and the read limit behave like they do on a network conn.
type fakeConn struct {
	in      chan []byte
	eof     chan struct{}
	eofOnce sync.Once
	frames  chan []byte
	wake    chan struct{}

	mu           sync.Mutex
	closeCode    int
	closeReason  string
	pings        int
	failWrites   bool
	silent       bool
	readDeadline time.Time
	readLimit    int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		eof:    make(chan struct{}),
		frames: make(chan []byte, 256),
		wake:   make(chan struct{}, 1),
	}
}

// newSilentConn is a peer that never answers: it ignores the close frame and
// Close does not unblock a pending read. Only the read deadline does.
func newSilentConn() *fakeConn {
	f := newFakeConn()
	f.silent = true
	return f
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		f.mu.Lock()
		deadline, limit := f.readDeadline, f.readLimit
		f.mu.Unlock()

		var expired <-chan time.Time
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer := time.NewTimer(left)
			expired = timer.C
			defer timer.Stop()
		}

		select {
		case data := <-f.in:
			if limit > 0 && int64(len(data)) > limit {
				return 0, nil, fastws.ErrReadLimit
			}
			return websocket.TextMessage, data, nil
		case <-f.eof:
			return 0, nil, io.EOF
		case <-expired:
			return 0, nil, os.ErrDeadlineExceeded
		case <-f.wake:
		}
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}
	f.frames <- data
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
			f.closeReason = string(data[2:])
		}
		if !f.silent {
			f.hangup()
		}
	case websocket.PingMessage:
		f.pings++
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.readDeadline = t
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) SetReadLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readLimit = limit
}

func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	silent := f.silent
	f.mu.Unlock()
	if !silent {
		f.hangup()
	}
	return nil
}

func (f *fakeConn) hangup() {
	f.eofOnce.Do(func() { close(f.eof) })
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- data
}

// next returns the next data frame written by the session.
func (f *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.frames:
		var env map[string]any
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// nextOf skips frames until one of type typ arrives.
func (f *fakeConn) nextOf(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-f.frames:
			var env map[string]any
			require.NoError(t, json.Unmarshal(data, &env))
			if env["type"] == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func (f *fakeConn) closed() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

type failingStore struct{}

func (failingStore) Append(context.Context, realm.ChatEntry) error { return realm.ErrStoreUnavailable }
func (failingStore) Recent(context.Context, string, int) ([]realm.ChatEntry, error) {
	return nil, realm.ErrStoreUnavailable
}
func (failingStore) Ping(context.Context) error { return realm.ErrStoreUnavailable }
func (failingStore) Close() error               { return nil }

func testHubConfig() HubConfig {
	return HubConfig{
		Heartbeat:        liveness.Config{Interval: time.Minute, Timeout: time.Minute},
		HistoryReplay:    50,
		MaxMessageLength: 500,
		MaxNameLength:    200,
		MessageRate:      rate.Inf,
		MessageBurst:     10,
		SendBuffer:       64,
	}
}

func testDeps() Deps {
	return Deps{
		Registry: presence.NewRegistry(),
		Arbiter:  identity.NewArbiter(identity.Config{GracePeriod: 5 * time.Second, MaxNameLength: 200}),
		Guard:    admission.NewGuard(admission.Config{Enabled: false}),
		History:  history.NewMemoryStore(100),
		Logger:   &mockLogger{},
	}
}

// serve runs conn on h and returns a channel closed when Serve returns.
func serve(h *Hub, conn Conn, addr string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(conn, addr)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
	}
}

func subscribe(room, name string) map[string]string {
	return map[string]string{"type": realm.TypeSubscribe, "room": room, "name": name}
}

func message(text string) map[string]string {
	return map[string]string{"type": realm.TypeMessage, "text": text}
}

// joined connects a client and consumes its join sequence.
func joined(t *testing.T, h *Hub, room, name, addr string) (*fakeConn, <-chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	done := serve(h, conn, addr)
	conn.send(t, subscribe(room, name))
	require.Equal(t, realm.TypeSubscribeSuccess, conn.next(t)["type"])
	conn.nextOf(t, realm.TypeOnlineUsers)
	return conn, done
}

func TestSession_JoinReplaysHistoryBeforePresence(t *testing.T) {
	deps := testDeps()
	require.NoError(t, deps.History.Append(context.Background(), realm.ChatEntry{
		ID: "1", Room: "Kezan", Author: "Bob", Text: "earlier", Time: time.Now().UTC(),
	}))
	h := NewHub(testHubConfig(), deps)

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	conn.send(t, subscribe("Kezan", "Alice"))

	env := conn.next(t)
	assert.Equal(t, realm.TypeSubscribeSuccess, env["type"])
	assert.Equal(t, "Kezan", env["room"])
	assert.Equal(t, "Alice", env["name"])

	env = conn.next(t)
	require.Equal(t, realm.TypeHistory, env["type"])
	entries := env["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "earlier", entries[0].(map[string]any)["text"])

	env = conn.next(t)
	assert.Equal(t, realm.TypeUserCount, env["type"])
	assert.EqualValues(t, 1, env["count"])

	env = conn.next(t)
	assert.Equal(t, realm.TypeOnlineUsers, env["type"])
	assert.Equal(t, []any{"Alice"}, env["names"])

	conn.hangup()
	waitDone(t, done)
	assert.Zero(t, deps.Registry.Presence("Kezan").Count)
}

func TestSession_LegacyFieldsAndPing(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	conn.send(t, map[string]string{"type": realm.TypeSubscribe, "realm": "Kezan", "username": "Alice"})

	env := conn.next(t)
	assert.Equal(t, "Kezan", env["room"])
	assert.Equal(t, "Alice", env["name"])

	conn.send(t, map[string]string{"type": realm.TypePing})
	conn.nextOf(t, realm.TypePong)

	conn.hangup()
	waitDone(t, done)
}

func TestSession_MessageIsPersistedAndBroadcast(t *testing.T) {
	deps := testDeps()
	h := NewHub(testHubConfig(), deps)

	alice, aliceDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	bob, bobDone := joined(t, h, "Kezan", "Bob", "10.0.0.2")

	alice.send(t, message("  hello  "))
	for _, c := range []*fakeConn{alice, bob} {
		entry := c.nextOf(t, realm.TypeNewMessage)["entry"].(map[string]any)
		assert.Equal(t, "hello", entry["text"])
		assert.Equal(t, "Alice", entry["author"])
		assert.Equal(t, "Kezan", entry["room"])
		assert.NotEmpty(t, entry["id"])
	}

	stored, err := deps.History.Recent(context.Background(), "Kezan", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Text)

	alice.hangup()
	bob.hangup()
	waitDone(t, aliceDone)
	waitDone(t, bobDone)
}

func TestSession_MessageTextRules(t *testing.T) {
	cfg := testHubConfig()
	cfg.MaxMessageLength = 5
	h := NewHub(cfg, testDeps())

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")

	conn.send(t, message("   "))
	conn.send(t, message("héllo world"))
	entry := conn.nextOf(t, realm.TypeNewMessage)["entry"].(map[string]any)
	assert.Equal(t, "héllo", entry["text"], "blank text is ignored and long text truncated")

	conn.hangup()
	waitDone(t, done)
}

func TestSession_MessageBeforeJoin(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	conn.send(t, message("hi"))

	env := conn.next(t)
	assert.Equal(t, realm.TypeError, env["type"])
	assert.Equal(t, realm.CodeInvalidInput, env["code"])

	conn.hangup()
	waitDone(t, done)
}

func TestSession_MessageThrottle(t *testing.T) {
	cfg := testHubConfig()
	cfg.MessageRate = rate.Every(time.Hour)
	cfg.MessageBurst = 2
	h := NewHub(cfg, testDeps())

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	for _, text := range []string{"one", "two", "three"} {
		conn.send(t, message(text))
	}

	conn.nextOf(t, realm.TypeNewMessage)
	conn.nextOf(t, realm.TypeNewMessage)
	env := conn.next(t)
	assert.Equal(t, realm.TypeError, env["type"])
	assert.Equal(t, realm.CodeRateLimited, env["code"])

	conn.hangup()
	waitDone(t, done)
}

func TestSession_DuplicateNameClosesSession(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	alice, aliceDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")

	intruder := newFakeConn()
	done := serve(h, intruder, "10.0.0.2")
	intruder.send(t, subscribe("Kezan", "Alice"))

	env := intruder.next(t)
	assert.Equal(t, realm.TypeError, env["type"])
	assert.Equal(t, realm.CodeDuplicateNick, env["code"])
	waitDone(t, done)

	code, reason := intruder.closed()
	assert.Equal(t, realm.CloseDuplicateName, code)
	assert.Equal(t, realm.CodeDuplicateNick, reason)

	alice.hangup()
	waitDone(t, aliceDone)
}

func TestSession_InvalidNameClosesSession(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	conn.send(t, subscribe("Kezan", "   "))

	env := conn.next(t)
	assert.Equal(t, realm.CodeInvalidUsername, env["code"])
	waitDone(t, done)

	code, _ := conn.closed()
	assert.Equal(t, realm.CloseInvalidName, code)
}

func TestSession_MalformedFrameClosesSession(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	conn.in <- []byte("{not json")

	env := conn.next(t)
	assert.Equal(t, realm.CodeInvalidInput, env["code"])
	waitDone(t, done)

	code, _ := conn.closed()
	assert.Equal(t, realm.CloseInvalidInput, code)
}

func TestSession_UnknownTypeKeepsSessionOpen(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	conn.send(t, map[string]string{"type": "dance"})
	assert.Equal(t, realm.CodeInvalidInput, conn.next(t)["code"])

	conn.send(t, message("still here"))
	conn.nextOf(t, realm.TypeNewMessage)

	conn.hangup()
	waitDone(t, done)
}

func TestSession_FailedRenameKeepsName(t *testing.T) {
	deps := testDeps()
	h := NewHub(testHubConfig(), deps)

	alice, aliceDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	bob, bobDone := joined(t, h, "Kezan", "Bob", "10.0.0.2")

	bob.send(t, subscribe("Kezan", "Alice"))
	env := bob.next(t)
	assert.Equal(t, realm.TypeError, env["type"])
	assert.Equal(t, realm.CodeDuplicateNick, env["code"])

	bob.send(t, message("still Bob"))
	entry := bob.nextOf(t, realm.TypeNewMessage)["entry"].(map[string]any)
	assert.Equal(t, "Bob", entry["author"])
	assert.Equal(t, []string{"Alice", "Bob"}, deps.Registry.Presence("Kezan").Names)

	alice.hangup()
	bob.hangup()
	waitDone(t, aliceDone)
	waitDone(t, bobDone)
}

func TestSession_RenameFreesOldName(t *testing.T) {
	deps := testDeps()
	h := NewHub(testHubConfig(), deps)

	bob, bobDone := joined(t, h, "Kezan", "Bob", "10.0.0.2")
	bob.send(t, subscribe("Kezan", "Robert"))

	env := bob.next(t)
	assert.Equal(t, realm.TypeSubscribeSuccess, env["type"])
	assert.Equal(t, "Robert", env["name"])
	assert.Equal(t, []any{"Robert"}, bob.nextOf(t, realm.TypeOnlineUsers)["names"])

	_, held := deps.Arbiter.Owner("Kezan", "Bob")
	assert.False(t, held)

	bob.hangup()
	waitDone(t, bobDone)
}

func TestSession_RoomChangeIsRejected(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	conn.send(t, subscribe("Orgrimmar", "Alice"))

	env := conn.next(t)
	assert.Equal(t, realm.TypeError, env["type"])
	assert.Equal(t, realm.CodeRoomLocked, env["code"])
	assert.Equal(t, realm.StateActive, h.snapshot()[0].State())

	conn.hangup()
	waitDone(t, done)
}

func TestSession_StoreFailureStillBroadcasts(t *testing.T) {
	deps := testDeps()
	deps.History = failingStore{}
	h := NewHub(testHubConfig(), deps)

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	conn.send(t, subscribe("Kezan", "Alice"))

	conn.nextOf(t, realm.TypeSubscribeSuccess)
	assert.Empty(t, conn.next(t)["entries"])

	conn.send(t, message("anyone?"))
	entry := conn.nextOf(t, realm.TypeNewMessage)["entry"].(map[string]any)
	assert.Equal(t, "anyone?", entry["text"])

	conn.hangup()
	waitDone(t, done)
}

func TestSession_TeardownRunsOnce(t *testing.T) {
	deps := testDeps()
	deps.Guard = admission.NewGuard(admission.Config{
		Enabled: true, Window: time.Minute, MaxAttempts: 10, MaxConcurrent: 5, SoftThreshold: 1,
	})
	h := NewHub(testHubConfig(), deps)

	bob, bobDone := joined(t, h, "Kezan", "Bob", "10.0.0.2")
	alice, aliceDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	bob.nextOf(t, realm.TypeOnlineUsers)

	var s *Session
	for _, candidate := range h.snapshot() {
		if candidate.DisplayName() == "Alice" {
			s = candidate
		}
	}
	require.NotNil(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.terminate(realm.CloseNormal, realm.ReasonClientClosed)
		}()
	}
	alice.hangup()
	wg.Wait()
	waitDone(t, aliceDone)

	assert.EqualValues(t, 1, bob.nextOf(t, realm.TypeUserCount)["count"])
	assert.Equal(t, []any{"Bob"}, bob.next(t)["names"])
	select {
	case data := <-bob.frames:
		t.Fatalf("unexpected frame after leave: %s", data)
	case <-time.After(100 * time.Millisecond):
	}

	res, ok := deps.Arbiter.Reservation("Kezan", "Alice", time.Now())
	require.True(t, ok, "the vacated name is reserved")
	assert.Equal(t, "10.0.0.1", res.VacatingAddress)
	assert.Equal(t, 1, deps.Guard.Stats().OpenConnections)

	bob.hangup()
	waitDone(t, bobDone)
	assert.Zero(t, deps.Guard.Stats().OpenConnections)
}

func TestSession_SameAddressReclaimsDuringGrace(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	first, firstDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	first.hangup()
	waitDone(t, firstDone)

	other := newFakeConn()
	otherDone := serve(h, other, "10.0.0.2")
	other.send(t, subscribe("Kezan", "Alice"))
	env := other.next(t)
	assert.Equal(t, realm.CodeDuplicateNick, env["code"])
	assert.Greater(t, env["wait"], float64(0))
	waitDone(t, otherDone)

	again, againDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	again.hangup()
	waitDone(t, againDone)
}

func TestSession_AdmissionRejected(t *testing.T) {
	deps := testDeps()
	deps.Guard = admission.NewGuard(admission.Config{
		Enabled: true, Window: time.Minute, MaxAttempts: 10, MaxConcurrent: 1, SoftThreshold: 1,
	})
	h := NewHub(testHubConfig(), deps)

	first, firstDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")

	second := newFakeConn()
	done := serve(h, second, "10.0.0.1")
	env := second.next(t)
	assert.Equal(t, realm.CodeTooManyConnections, env["code"])
	waitDone(t, done)

	code, _ := second.closed()
	assert.Equal(t, realm.CloseTooManyConnections, code)

	first.hangup()
	waitDone(t, firstDone)
}

func TestSession_UnresponsiveClientIsReaped(t *testing.T) {
	cfg := testHubConfig()
	cfg.Heartbeat = liveness.Config{Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond}
	deps := testDeps()
	h := NewHub(cfg, deps)

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	conn.nextOf(t, realm.TypeHeartbeat)
	waitDone(t, done)

	code, reason := conn.closed()
	assert.Equal(t, realm.CloseHeartbeatTimeout, code)
	assert.Equal(t, realm.ReasonHeartbeatTimeout, reason)
	assert.Zero(t, deps.Registry.Presence("Kezan").Count)
	_, reserved := deps.Arbiter.Reservation("Kezan", "Alice", time.Now())
	assert.True(t, reserved)
}

func TestSession_WriteFailureTearsDown(t *testing.T) {
	deps := testDeps()
	h := NewHub(testHubConfig(), deps)

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	conn.send(t, message("into the void"))
	waitDone(t, done)
	assert.Zero(t, deps.Registry.Presence("Kezan").Count)
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	a, aDone := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	b := newFakeConn()
	bDone := serve(h, b, "10.0.0.2")

	require.Eventually(t, func() bool { return h.Stats().Sessions == 2 }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	waitDone(t, aDone)
	waitDone(t, bDone)

	for _, c := range []*fakeConn{a, b} {
		code, reason := c.closed()
		assert.Equal(t, realm.CloseServerShutdown, code)
		assert.Equal(t, realm.ReasonServerShutdown, reason)
	}
	assert.True(t, h.Closed())

	late := newFakeConn()
	waitDone(t, serve(h, late, "10.0.0.3"))
	code, _ := late.closed()
	assert.Equal(t, realm.CloseServerShutdown, code)
}

func TestHub_SweepClosesSessionsThatNeverJoin(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn := newFakeConn()
	done := serve(h, conn, "10.0.0.1")
	require.Eventually(t, func() bool {
		sessions := h.snapshot()
		return len(sessions) == 1 && sessions[0].State() == realm.StateAwaitingJoin
	}, waitFor, 5*time.Millisecond)

	assert.Zero(t, h.Sweep(time.Now()))
	assert.Equal(t, 1, h.Sweep(time.Now().Add(time.Hour)))
	waitDone(t, done)

	code, _ := conn.closed()
	assert.Equal(t, realm.CloseHeartbeatTimeout, code)
}

func TestSession_SilentPeerIsReleasedAfterCloseGrace(t *testing.T) {
	h := NewHub(testHubConfig(), testDeps())

	conn := newSilentConn()
	done := serve(h, conn, "10.0.0.1")
	conn.send(t, subscribe("Kezan", "Alice"))
	conn.nextOf(t, realm.TypeOnlineUsers)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	waitDone(t, done)

	assert.Less(t, time.Since(start), closeGrace+500*time.Millisecond)
	code, _ := conn.closed()
	assert.Equal(t, realm.CloseServerShutdown, code)
	assert.Zero(t, h.Stats().Sessions)
}

func TestSession_SilentPeerTimesOutBeforeJoin(t *testing.T) {
	cfg := testHubConfig()
	cfg.Heartbeat = liveness.Config{Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond}
	h := NewHub(cfg, testDeps())

	conn := newSilentConn()
	waitDone(t, serve(h, conn, "10.0.0.1"))

	code, reason := conn.closed()
	assert.Equal(t, realm.CloseHeartbeatTimeout, code)
	assert.Equal(t, realm.ReasonHeartbeatTimeout, reason)
	assert.Zero(t, h.Stats().Sessions)
}

func TestSession_OversizedFrameClosesSession(t *testing.T) {
	cfg := testHubConfig()
	deps := testDeps()
	h := NewHub(cfg, deps)

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	conn.mu.Lock()
	limit := conn.readLimit
	conn.mu.Unlock()
	require.Equal(t, cfg.readLimit(), limit)

	text := strings.Repeat("a", int(limit))
	conn.send(t, message(text))
	waitDone(t, done)

	code, reason := conn.closed()
	assert.Equal(t, realm.CloseMessageTooBig, code)
	assert.Equal(t, realm.ReasonMessageTooBig, reason)

	entries, err := deps.History.Recent(context.Background(), "Kezan", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSession_TeardownDuringAdmissionReleasesSlot(t *testing.T) {
	deps := testDeps()
	deps.Guard = admission.NewGuard(admission.Config{
		Enabled: true, Window: time.Minute, MaxAttempts: 10, MaxConcurrent: 1, SoftThreshold: 10,
	})
	h := NewHub(testHubConfig(), deps)

	s := newSession(h, newFakeConn(), "10.0.0.1")
	s.terminate(realm.CloseServerShutdown, realm.ReasonServerShutdown)
	go s.writeLoop()
	s.run()
	s.wait()

	assert.Zero(t, deps.Guard.Stats().OpenConnections)

	conn, done := joined(t, h, "Kezan", "Alice", "10.0.0.1")
	conn.hangup()
	waitDone(t, done)
}
