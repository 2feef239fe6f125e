// Package conn manages the single persistent WebSocket connection to the
// assistant backend: authenticated dial, keepalive, reconnection with
// backoff and orderly teardown.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/assistant-client/internal/auth"
	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/retry"
	"github.com/p-blackswan/assistant-client/internal/router"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Config holds connection manager configuration.
type Config struct {
	// URL is the socket base URL, e.g. "wss://api.example.com/chat/ws".
	URL string

	// TokenParam, when set, carries the credential as this query parameter.
	// Otherwise the token is appended as a path segment (/ws/{token}).
	TokenParam string

	// PingInterval is the keepalive period while connected.
	PingInterval time.Duration

	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// CloseTimeout bounds the wait for the peer to acknowledge a close.
	CloseTimeout time.Duration

	// Reconnect is the backoff policy after abnormal closures.
	Reconnect retry.Config
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		CloseTimeout:     2 * time.Second,
		Reconnect:        retry.ReconnectConfig(),
	}
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithMetrics records connection metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithCredentialSource makes reconnects use the source's current
// credential instead of the one passed to the last Connect.
func WithCredentialSource(src auth.Source) Option {
	return func(m *Manager) { m.creds = src }
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Manager owns one duplex connection and its correlation table.
type Manager struct {
	cfg     Config
	dialer  Dialer
	router  *router.Router
	metrics *metrics.Metrics
	creds   auth.Source
	logger  zerolog.Logger

	state    atomic.Int32
	notifyMu sync.Mutex // serializes transitions and listener calls

	mu             sync.Mutex
	conn           *websocket.Conn
	cred           auth.Credential
	attempts       int
	reconnectTimer *time.Timer
	pingStop       chan struct{}
	readDone       chan struct{}
	closing        bool
	generation     uint64

	writeMu sync.Mutex

	lmu       sync.Mutex
	listeners []listenerEntry
	lseq      uint64

	afterFunc func(time.Duration, func()) *time.Timer
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.PingInterval == 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.Reconnect.MaxAttempts == 0 && cfg.Reconnect.BaseDelay == 0 {
		cfg.Reconnect = def.Reconnect
	}

	logger = logger.With().Str("component", "conn-manager").Logger()
	m := &Manager{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		router:    router.New(logger),
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.SetConnectionState(int(StateDisconnected))
	return m
}

// Router returns the correlation table fed by this connection.
func (m *Manager) Router() *router.Router { return m.router }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// IsConnected returns true if frames can be sent.
func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

// Subscribe registers a state listener. Listeners run synchronously in
// registration order on every transition; they must not call Connect or
// Disconnect from inside the callback.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.lmu.Lock()
	m.lseq++
	id := m.lseq
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) setState(next State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.transitionLocked(next)
}

// compareAndSet moves to next only from one of the given states.
func (m *Manager) compareAndSet(next State, from ...State) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	cur := m.State()
	for _, f := range from {
		if cur == f {
			m.transitionLocked(next)
			return true
		}
	}
	return false
}

func (m *Manager) transitionLocked(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if !CanTransition(prev, next) {
		m.logger.Error().Stringer("from", prev).Stringer("to", next).Msg("unexpected state transition")
	}
	m.metrics.SetConnectionState(int(next))
	m.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("connection state changed")

	m.lmu.Lock()
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.Unlock()

	for _, l := range listeners {
		m.notify(l.fn, prev, next)
	}
}

func (m *Manager) notify(fn Listener, prev, next State) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error().Interface("panic", rec).Msg("state listener panicked")
		}
	}()
	fn(prev, next)
}

// Connect opens the connection with cred embedded in the handshake. It is a
// no-op while connected or connecting. A dial failure enters the reconnect
// policy and is also returned.
func (m *Manager) Connect(ctx context.Context, cred auth.Credential) error {
	m.mu.Lock()
	m.cred = cred
	m.closing = false
	m.stopReconnectLocked()
	if m.State() == StateDisconnected {
		// caller-initiated connects get a fresh reconnection budget
		m.attempts = 0
	}
	m.mu.Unlock()

	if !m.compareAndSet(StateConnecting, StateDisconnected, StateErrored) {
		return nil
	}
	return m.dial(ctx, cred)
}

func (m *Manager) dial(ctx context.Context, cred auth.Credential) error {
	target, err := m.handshakeURL(cred.Token)
	if err != nil {
		m.handleFailure(err)
		return err
	}

	m.logger.Info().Str("url", m.cfg.URL).Msg("connecting to assistant socket")

	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	c, resp, err := m.dialer.DialContext(dctx, target, nil)
	if err != nil {
		evt := m.logger.Warn().Err(err)
		if resp != nil {
			evt = evt.Int("status", resp.StatusCode)
		}
		evt.Msg("socket dial failed")
		m.handleFailure(err)
		return fmt.Errorf("ws dial failed: %w", err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = c.Close()
		m.handleFailure(perrors.ErrCancelled)
		return perrors.ErrCancelled
	}
	m.generation++
	gen := m.generation
	m.conn = c
	m.attempts = 0
	done := make(chan struct{})
	stop := make(chan struct{})
	m.readDone = done
	m.pingStop = stop
	m.mu.Unlock()

	// Disconnect may have claimed the socket since it was stored above.
	m.notifyMu.Lock()
	m.mu.Lock()
	live := !m.closing && m.generation == gen
	if !live {
		if m.conn == c {
			m.conn = nil
		}
		if m.pingStop == stop {
			m.stopKeepaliveLocked()
		}
	}
	m.mu.Unlock()
	if live {
		m.transitionLocked(StateConnected)
	}
	m.notifyMu.Unlock()

	if !live {
		close(done)
		_ = c.Close()
		m.logger.Info().Msg("disconnect requested during handshake")
		return perrors.ErrCancelled
	}
	m.logger.Info().Msg("connected to assistant socket")

	go m.readLoop(c, gen, done)
	go m.keepalive(stop)
	return nil
}

func (m *Manager) handshakeURL(token string) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing socket url: %w", err)
	}
	if token == "" {
		return "", perrors.ErrAuthRequired
	}
	if m.cfg.TokenParam != "" {
		q := u.Query()
		q.Set(m.cfg.TokenParam, token)
		u.RawQuery = q.Encode()
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(token)
		u.RawPath = ""
	}
	return u.String(), nil
}

// readLoop decodes frames until the connection fails and dispatches them.
func (m *Manager) readLoop(c *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			m.onClosed(c, gen, err)
			return
		}

		frame, err := wire.Decode(msg)
		if err != nil {
			m.metrics.RecordDecodeError("duplex")
			m.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		m.metrics.RecordFrame(string(frame.Type))

		switch frame.Type {
		case wire.FramePing:
			if err := m.Send(wire.NewControl(wire.FramePong)); err != nil {
				m.logger.Debug().Err(err).Msg("pong not sent")
			}
			continue
		case wire.FramePong:
			m.logger.Trace().Msg("pong received")
			continue
		case wire.FrameConnected, wire.FrameEcho:
			m.logger.Debug().Str("type", string(frame.Type)).Msg("backend notice")
			continue
		}

		if m.State() != StateConnected {
			continue
		}
		m.router.Route(frame)
	}
}

func (m *Manager) onClosed(c *websocket.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.closing {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopKeepaliveLocked()
	m.mu.Unlock()
	_ = c.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.logger.Info().Msg("server closed the socket normally")
		m.setState(StateDisconnecting)
		m.setState(StateDisconnected)
		m.router.FailAll(perrors.ErrNotConnected)
		return
	}

	m.logger.Warn().Err(err).Msg("socket closed abnormally")
	m.handleFailure(err)
}

// handleFailure enters errored and either schedules a reconnect or, once
// the budget is spent (or teardown was requested), settles disconnected.
func (m *Manager) handleFailure(cause error) {
	m.setState(StateErrored)

	m.mu.Lock()
	if m.closing || m.attempts >= m.cfg.Reconnect.MaxAttempts {
		exhausted := !m.closing
		m.mu.Unlock()
		if exhausted {
			m.logger.Error().Err(cause).
				Int("attempts", m.cfg.Reconnect.MaxAttempts).
				Msg("reconnection budget exhausted")
		}
		m.setState(StateDisconnected)
		m.router.FailAll(perrors.ErrNotConnected)
		return
	}

	delay := m.cfg.Reconnect.Backoff(m.attempts)
	m.attempts++
	attempt := m.attempts
	m.reconnectTimer = m.afterFunc(delay, m.reconnect)
	m.mu.Unlock()

	m.metrics.RecordReconnect()
	m.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	cred := m.cred
	if m.creds != nil {
		cred = m.creds.Current()
		m.cred = cred
	}
	m.mu.Unlock()

	if !m.compareAndSet(StateConnecting, StateErrored) {
		return
	}
	_ = m.dial(context.Background(), cred)
}

func (m *Manager) keepalive(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write([]byte(wire.KeepaliveText), wire.FramePing); err != nil {
				m.logger.Debug().Err(err).Msg("keepalive ping failed")
			}
		}
	}
}

// Send writes one envelope. It fails with ErrNotConnected unless connected.
func (m *Manager) Send(env wire.OutgoingEnvelope) error {
	b, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return m.write(b, env.Type)
}

func (m *Manager) write(b []byte, ft wire.FrameType) error {
	if m.State() != StateConnected {
		return perrors.ErrNotConnected
	}
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return perrors.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write %s frame: %v", perrors.ErrNotConnected, ft, err)
	}
	return nil
}

// Disconnect tears the connection down with a normal closure. No reconnect
// follows, and sessions still bound to the table are failed.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.closing = true
	m.stopReconnectLocked()
	m.stopKeepaliveLocked()
	c := m.conn
	done := m.readDone
	m.conn = nil
	m.generation++
	m.mu.Unlock()

	if c == nil {
		// nothing open; a dial in flight notices closing on completion
		if m.compareAndSet(StateDisconnected, StateErrored) {
			m.router.FailAll(perrors.ErrNotConnected)
		}
		return nil
	}

	m.setState(StateDisconnecting)
	err := c.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(m.cfg.WriteTimeout),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		m.logger.Debug().Err(err).Msg("close frame not sent")
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(m.cfg.CloseTimeout):
		}
	}
	closeErr := c.Close()

	m.setState(StateDisconnected)
	m.router.FailAll(perrors.ErrNotConnected)
	m.logger.Info().Msg("disconnected from assistant socket")

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopKeepaliveLocked() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}
