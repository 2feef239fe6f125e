package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/assistant-client/internal/auth"
	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/retry"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// mockBackend simulates the assistant socket endpoint.
type mockBackend struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	paths    []string
	received []wire.InboundFrame
	closes   []int

	// onConnect runs right after the upgrade.
	onConnect func(conn *websocket.Conn)
}

func newMockBackend(t *testing.T) *mockBackend {
	mb := &mockBackend{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handleWS))
	t.Cleanup(mb.close)
	return mb
}

func (mb *mockBackend) url() string {
	return "ws" + strings.TrimPrefix(mb.server.URL, "http") + "/chat/ws"
}

func (mb *mockBackend) close() {
	mb.mu.Lock()
	for _, c := range mb.conns {
		c.Close()
	}
	mb.mu.Unlock()
	mb.server.Close()
}

func (mb *mockBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mb.t.Logf("upgrade error: %v", err)
		return
	}
	mb.mu.Lock()
	mb.conns = append(mb.conns, conn)
	mb.paths = append(mb.paths, r.URL.RequestURI())
	mb.mu.Unlock()

	conn.SetCloseHandler(func(code int, text string) error {
		mb.mu.Lock()
		mb.closes = append(mb.closes, code)
		mb.mu.Unlock()
		msg := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return nil
	})

	if mb.onConnect != nil {
		mb.onConnect(conn)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wire.InboundFrame
		if string(bytes.TrimSpace(msg)) == wire.KeepaliveText {
			// the backend answers bare keepalive text and echoes unknown JSON
			f = wire.InboundFrame{Type: wire.FramePing}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(wire.FramePong))
		} else if err := json.Unmarshal(msg, &f); err != nil {
			continue
		} else if f.Type == wire.FramePing {
			_ = conn.WriteJSON(map[string]any{"type": "echo", "data": json.RawMessage(msg)})
		}
		mb.mu.Lock()
		mb.received = append(mb.received, f)
		mb.mu.Unlock()
	}
}

func (mb *mockBackend) dialCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.conns)
}

func (mb *mockBackend) lastConn() *websocket.Conn {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.conns[len(mb.conns)-1]
}

func (mb *mockBackend) receivedOfType(ft wire.FrameType) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	n := 0
	for _, f := range mb.received {
		if f.Type == ft {
			n++
		}
	}
	return n
}

func metricsBody(t *testing.T, mt *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	mt.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return string(body)
}

func freshCred() auth.Credential {
	return auth.Credential{Token: "tok-123", ExpiresAt: time.Now().Add(time.Hour)}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PingInterval = time.Hour
	cfg.CloseTimeout = 500 * time.Millisecond
	cfg.Reconnect = retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	return cfg
}

type transitionLog struct {
	mu  sync.Mutex
	log [][2]State
}

func (l *transitionLog) listener(prev, next State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, [2]State{prev, next})
}

func (l *transitionLog) snapshot() [][2]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]State(nil), l.log...)
}

func TestManager_ConnectEmbedsTokenAndTransitions(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())
	var tl transitionLog
	m.Subscribe(tl.listener)

	assert.Equal(t, StateDisconnected, m.State())
	require.NoError(t, m.Connect(context.Background(), freshCred()))
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())

	mb.mu.Lock()
	assert.Equal(t, "/chat/ws/tok-123", mb.paths[0])
	mb.mu.Unlock()

	assert.Equal(t, [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
	}, tl.snapshot())

	require.NoError(t, m.Disconnect())
}

func TestManager_TokenQueryParam(t *testing.T) {
	mb := newMockBackend(t)
	cfg := testConfig(mb.url())
	cfg.TokenParam = "token"
	m := NewManager(cfg, zerolog.Nop())

	require.NoError(t, m.Connect(context.Background(), freshCred()))
	mb.mu.Lock()
	assert.Equal(t, "/chat/ws?token=tok-123", mb.paths[0])
	mb.mu.Unlock()
	require.NoError(t, m.Disconnect())
}

func TestManager_ConnectIsNoopWhenConnected(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())

	require.NoError(t, m.Connect(context.Background(), freshCred()))
	require.NoError(t, m.Connect(context.Background(), freshCred()))
	assert.Equal(t, 1, mb.dialCount())
	require.NoError(t, m.Disconnect())
}

func TestManager_SendNotConnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1/chat/ws"), zerolog.Nop())
	err := m.Send(wire.NewControl(wire.FramePing))
	assert.ErrorIs(t, err, perrors.ErrNotConnected)
}

func TestManager_SendDelivers(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	env, err := wire.NewChatEnvelope("c-1", wire.ChatPayload{Message: "hello"})
	require.NoError(t, err)
	require.NoError(t, m.Send(env))

	require.Eventually(t, func() bool { return mb.receivedOfType(wire.FrameChat) == 1 },
		2*time.Second, 10*time.Millisecond)

	mb.mu.Lock()
	assert.Equal(t, "c-1", mb.received[0].CorrelationID)
	assert.JSONEq(t, `{"message":"hello"}`, string(mb.received[0].Data))
	mb.mu.Unlock()
	require.NoError(t, m.Disconnect())
}

func TestManager_AnswersPingWithPong(t *testing.T) {
	mb := newMockBackend(t)
	mb.onConnect = func(conn *websocket.Conn) {
		conn.WriteJSON(wire.InboundFrame{Type: wire.FramePing, Timestamp: wire.Now()})
		conn.WriteMessage(websocket.TextMessage, []byte("ping"))
	}
	m := NewManager(testConfig(mb.url()), zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	require.Eventually(t, func() bool { return mb.receivedOfType(wire.FramePong) == 2 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Disconnect())
}

func TestManager_KeepaliveSendsPings(t *testing.T) {
	mb := newMockBackend(t)
	cfg := testConfig(mb.url())
	cfg.PingInterval = 20 * time.Millisecond
	mt := metrics.New()
	m := NewManager(cfg, zerolog.Nop(), WithMetrics(mt))
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	require.Eventually(t, func() bool { return mb.receivedOfType(wire.FramePing) >= 3 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, m.IsConnected(), "connection should survive keepalive cycles")

	// keepalives go out as bare text, so the backend answers pong, not echo
	require.Eventually(t, func() bool {
		return strings.Contains(metricsBody(t, mt), `assistant_frames_total{type="pong"}`)
	}, 2*time.Second, 10*time.Millisecond)
	body := metricsBody(t, mt)
	assert.NotContains(t, body, `assistant_frames_total{type="echo"}`)
	assert.NotContains(t, body, "assistant_decode_errors_total{")

	require.NoError(t, m.Disconnect())
	n := mb.receivedOfType(wire.FramePing)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, mb.receivedOfType(wire.FramePing), "keepalive stops on disconnect")
}

func TestManager_RoutesFramesAndDropsMalformed(t *testing.T) {
	mb := newMockBackend(t)
	mb.onConnect = func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`))
		conn.WriteJSON(map[string]any{"type": "connected", "message": "WebSocket connected"})
	}
	m := NewManager(testConfig(mb.url()), zerolog.Nop())

	got := make(chan wire.InboundFrame, 4)
	m.Router().Register("c-1", func(f wire.InboundFrame) { got <- f })
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	conn := mb.lastConn()
	conn.WriteJSON(map[string]any{"type": "stream_chunk", "data": "Hi", "correlationId": "c-1"})
	conn.WriteJSON(map[string]any{"type": "stream_chunk", "data": "nope", "correlationId": "other"})
	conn.WriteJSON(map[string]any{"type": "stream_end", "correlationId": "c-1"})

	first := <-got
	assert.Equal(t, wire.FrameStreamChunk, first.Type)
	second := <-got
	assert.Equal(t, wire.FrameStreamEnd, second.Type)

	assert.True(t, m.IsConnected(), "malformed frames do not drop the connection")
	assert.False(t, m.Router().Has("c-1"))
	require.NoError(t, m.Disconnect())
}

func TestManager_BackendNoticesConsumedQuietly(t *testing.T) {
	mb := newMockBackend(t)
	mb.onConnect = func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "connected", "message": "WebSocket connected"})
	}
	mt := metrics.New()
	m := NewManager(testConfig(mb.url()), zerolog.Nop(), WithMetrics(mt))

	got := make(chan wire.InboundFrame, 4)
	m.Router().Register("c-1", func(f wire.InboundFrame) { got <- f })
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	conn := mb.lastConn()
	conn.WriteJSON(map[string]any{"type": "echo", "data": map[string]any{"type": "ping"}, "correlationId": "c-1"})
	conn.WriteJSON(map[string]any{"type": "stream_end", "correlationId": "c-1"})

	select {
	case f := <-got:
		assert.Equal(t, wire.FrameStreamEnd, f.Type, "notices are never routed")
	case <-time.After(2 * time.Second):
		t.Fatal("stream_end not routed")
	}

	body := metricsBody(t, mt)
	assert.Contains(t, body, `assistant_frames_total{type="connected"} 1`)
	assert.Contains(t, body, `assistant_frames_total{type="echo"} 1`)
	assert.NotContains(t, body, "assistant_decode_errors_total{")
	assert.True(t, m.IsConnected())
	require.NoError(t, m.Disconnect())
}

func TestManager_DisconnectIsNormalClosureWithoutReconnect(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())
	var tl transitionLog
	m.Subscribe(tl.listener)
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	failed := make(chan string, 1)
	m.Router().Register("pending", func(f wire.InboundFrame) {
		ev, _ := wire.FrameEvent(f)
		failed <- ev.Err
	})

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())

	require.Eventually(t, func() bool {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		return len(mb.closes) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mb.mu.Lock()
	assert.Equal(t, websocket.CloseNormalClosure, mb.closes[0])
	mb.mu.Unlock()

	assert.Equal(t, perrors.ErrNotConnected.Error(), <-failed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, mb.dialCount(), "intentional disconnect must not reconnect")

	log := tl.snapshot()
	assert.Equal(t, [2]State{StateConnected, StateDisconnecting}, log[len(log)-2])
	assert.Equal(t, [2]State{StateDisconnecting, StateDisconnected}, log[len(log)-1])
}

// gatedDialer completes a real handshake and then holds the manager's
// transition lock, parking dial just before it reports Connected.
type gatedDialer struct {
	inner *websocket.Dialer
	m     *Manager
}

func (g *gatedDialer) DialContext(ctx context.Context, u string, h http.Header) (*websocket.Conn, *http.Response, error) {
	c, resp, err := g.inner.DialContext(ctx, u, h)
	if err == nil {
		g.m.notifyMu.Lock()
	}
	return c, resp, err
}

func TestManager_DisconnectDuringHandshakeWins(t *testing.T) {
	mb := newMockBackend(t)
	gd := &gatedDialer{inner: websocket.DefaultDialer}
	m := NewManager(testConfig(mb.url()), zerolog.Nop(), WithDialer(gd))
	gd.m = m
	var tl transitionLog
	m.Subscribe(tl.listener)

	connectErr := make(chan error, 1)
	go func() { connectErr <- m.Connect(context.Background(), freshCred()) }()

	// dial has stored the socket and waits on the transition lock
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.conn != nil
	}, 2*time.Second, 5*time.Millisecond)

	disconnected := make(chan error, 1)
	go func() { disconnected <- m.Disconnect() }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.closing
	}, 2*time.Second, 5*time.Millisecond)
	m.notifyMu.Unlock()

	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, perrors.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return")
	}

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
	for _, tr := range tl.snapshot() {
		assert.NotEqual(t, StateConnected, tr[1], "connected reported after teardown")
	}
	assert.ErrorIs(t, m.Send(wire.NewControl(wire.FramePong)), perrors.ErrNotConnected)
}

func TestManager_ReconnectsAfterAbnormalClosure(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())
	var tl transitionLog
	m.Subscribe(tl.listener)
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	// drop the TCP connection without a close frame
	mb.lastConn().UnderlyingConn().Close()

	require.Eventually(t, func() bool {
		return mb.dialCount() == 2 && m.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	for _, tr := range tl.snapshot() {
		assert.True(t, CanTransition(tr[0], tr[1]), "illegal transition %s -> %s", tr[0], tr[1])
	}
	assert.Contains(t, tl.snapshot(), [2]State{StateConnected, StateErrored})
	assert.Contains(t, tl.snapshot(), [2]State{StateErrored, StateConnecting})

	m.mu.Lock()
	assert.Equal(t, 0, m.attempts, "attempt counter resets after a successful reconnect")
	m.mu.Unlock()
	require.NoError(t, m.Disconnect())
}

func TestManager_ServerNormalClosureDoesNotReconnect(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())
	require.NoError(t, m.Connect(context.Background(), freshCred()))

	conn := mb.lastConn()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))

	require.Eventually(t, func() bool { return m.State() == StateDisconnected },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, mb.dialCount())
}

func TestManager_ReconnectBackoffAndCeiling(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/chat/ws")
	cfg.Reconnect = retry.Config{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
	m := NewManager(cfg, zerolog.Nop())

	var mu sync.Mutex
	var delays []time.Duration
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return time.AfterFunc(time.Millisecond, f)
	}

	failed := make(chan struct{}, 1)
	m.Router().Register("pending", func(wire.InboundFrame) { failed <- struct{}{} })

	err := m.Connect(context.Background(), freshCred())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) == 5 && m.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, delays, "no sixth attempt")
	mu.Unlock()
	assert.Equal(t, StateDisconnected, m.State())

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("bound sessions should be failed once the budget is spent")
	}
}

func TestManager_CallerReconnectGetsFreshBudget(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/chat/ws")
	m := NewManager(cfg, zerolog.Nop())
	var mu sync.Mutex
	scheduled := 0
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		scheduled++
		mu.Unlock()
		return time.AfterFunc(time.Millisecond, f)
	}

	_ = m.Connect(context.Background(), freshCred())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return scheduled == 5 && m.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	_ = m.Connect(context.Background(), freshCred())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return scheduled == 10 && m.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_ListenersInOrderAndPanicIsolated(t *testing.T) {
	mb := newMockBackend(t)
	m := NewManager(testConfig(mb.url()), zerolog.Nop())

	var mu sync.Mutex
	var order []string
	m.Subscribe(func(prev, next State) {
		mu.Lock()
		order = append(order, "a:"+next.String())
		mu.Unlock()
	})
	m.Subscribe(func(prev, next State) { panic("listener bug") })
	unsub := m.Subscribe(func(prev, next State) {
		mu.Lock()
		order = append(order, "c:"+next.String())
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), freshCred()))
	unsub()
	require.NoError(t, m.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"a:connecting", "c:connecting",
		"a:connected", "c:connected",
		"a:disconnecting",
		"a:disconnected",
	}, order)
}

func TestManager_RefusesEmptyToken(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/chat/ws")
	cfg.Reconnect = retry.Config{MaxAttempts: 0, BaseDelay: time.Millisecond}
	m := NewManager(cfg, zerolog.Nop())

	err := m.Connect(context.Background(), auth.Credential{})
	assert.ErrorIs(t, err, perrors.ErrAuthRequired)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateDisconnected, StateConnecting))
	assert.True(t, CanTransition(StateConnecting, StateConnected))
	assert.True(t, CanTransition(StateConnected, StateDisconnecting))
	assert.True(t, CanTransition(StateConnecting, StateDisconnecting))
	assert.True(t, CanTransition(StateDisconnecting, StateDisconnected))
	assert.True(t, CanTransition(StateConnected, StateErrored))
	assert.True(t, CanTransition(StateErrored, StateConnecting))
	assert.True(t, CanTransition(StateErrored, StateDisconnected))

	assert.False(t, CanTransition(StateDisconnected, StateConnected))
	assert.False(t, CanTransition(StateConnected, StateConnecting))
	assert.False(t, CanTransition(StateErrored, StateErrored))
}
