package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/assistant-client/internal/auth"
	"github.com/p-blackswan/assistant-client/internal/conn"
	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/router"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Duplex is the slice of *conn.Manager the selector depends on.
type Duplex interface {
	State() conn.State
	Connect(ctx context.Context, cred auth.Credential) error
	Send(env wire.OutgoingEnvelope) error
	Router() *router.Router
	Subscribe(fn conn.Listener) (unsubscribe func())
}

// Opener opens the HTTP event stream for a chat payload. *backend.Client
// satisfies it.
type Opener interface {
	Open(ctx context.Context, token string, payload json.RawMessage) (io.ReadCloser, error)
}

// Config holds selector configuration.
type Config struct {
	// PollInterval is how often the connection state is checked while
	// waiting for the duplex transport.
	PollInterval time.Duration

	// ConnectTimeout bounds the wait for the duplex transport before
	// falling back.
	ConnectTimeout time.Duration

	// AutoPromote clears a demotion as soon as the duplex transport
	// reports connected again. When false only Promote does.
	AutoPromote bool
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   100 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
		AutoPromote:    true,
	}
}

// Option configures a Selector.
type Option func(*Selector)

// WithMetrics records fallback and decode metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Selector) { s.metrics = mt }
}

// Selector chooses the transport for each outgoing chat envelope.
type Selector struct {
	cfg       Config
	duplex    Duplex
	secondary Opener
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu      sync.Mutex
	demoted bool

	unsubscribe func()
}

// NewSelector creates a selector over the duplex manager and the HTTP
// stream opener.
func NewSelector(cfg Config, duplex Duplex, secondary Opener, logger zerolog.Logger, opts ...Option) *Selector {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	s := &Selector{
		cfg:       cfg,
		duplex:    duplex,
		secondary: secondary,
		logger:    logger.With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AutoPromote {
		s.unsubscribe = duplex.Subscribe(func(_, next conn.State) {
			if next == conn.StateConnected {
				s.clearDemotion("duplex transport reconnected")
			}
		})
	}
	return s
}

// Close stops observing the connection manager.
func (s *Selector) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Demoted reports whether sends currently bypass the duplex transport.
func (s *Selector) Demoted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demoted
}

// Promote re-enables the duplex transport for subsequent sends.
func (s *Selector) Promote() {
	s.clearDemotion("promoted")
}

func (s *Selector) clearDemotion(reason string) {
	s.mu.Lock()
	was := s.demoted
	s.demoted = false
	s.mu.Unlock()
	if was {
		s.logger.Info().Str("reason", reason).Msg("duplex transport re-enabled")
	}
}

func (s *Selector) demote() {
	s.mu.Lock()
	was := s.demoted
	s.demoted = true
	s.mu.Unlock()
	if !was {
		s.logger.Warn().Msg("duplex transport demoted")
	}
}

// Send delivers env and returns the stream carrying the reply. The duplex
// transport is used when connected, or once it connects within the
// configured wait. Otherwise the envelope's data is posted to the HTTP
// stream endpoint and the duplex transport is demoted. A failure of that
// secondary transport is reported as ErrTransportFallbackExhausted.
func (s *Selector) Send(ctx context.Context, cred auth.Credential, env wire.OutgoingEnvelope) (Stream, error) {
	if !s.Demoted() {
		ok, err := s.awaitDuplex(ctx, cred)
		if err != nil {
			return nil, err
		}
		if ok {
			st, err := s.sendDuplex(env)
			if err == nil {
				return st, nil
			}
			if errors.Is(err, perrors.ErrDuplicateCorrelation) {
				return nil, err
			}
			s.logger.Warn().Err(err).Str("correlationId", env.CorrelationID).Msg("duplex send failed")
		} else {
			s.logger.Warn().
				Dur("waited", s.cfg.ConnectTimeout).
				Stringer("state", s.duplex.State()).
				Msg("duplex transport not ready")
		}
		s.demote()
	}
	return s.sendPolled(ctx, cred, env)
}

// awaitDuplex starts a connect if needed and polls until connected or the
// wait expires. It errors only when ctx is done.
func (s *Selector) awaitDuplex(ctx context.Context, cred auth.Credential) (bool, error) {
	if s.duplex.State() == conn.StateConnected {
		return true, nil
	}

	connectStarted := false
	startConnect := func() {
		switch s.duplex.State() {
		case conn.StateDisconnected, conn.StateErrored:
		default:
			return
		}
		if connectStarted {
			return
		}
		connectStarted = true
		go func() {
			if err := s.duplex.Connect(context.Background(), cred); err != nil {
				s.logger.Debug().Err(err).Msg("connect attempt failed")
			}
		}()
	}
	startConnect()

	deadline := time.NewTimer(s.cfg.ConnectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("waiting for connection: %w", perrors.ErrCancelled)
		case <-deadline.C:
			return s.duplex.State() == conn.StateConnected, nil
		case <-ticker.C:
			if s.duplex.State() == conn.StateConnected {
				return true, nil
			}
			startConnect()
		}
	}
}

func (s *Selector) sendDuplex(env wire.OutgoingEnvelope) (Stream, error) {
	st := newDuplexStream(env.CorrelationID, s.metrics, s.logger)
	sub, err := s.duplex.Router().Bind(env.CorrelationID, st.handle)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.sub = sub
	st.mu.Unlock()

	if err := s.duplex.Send(env); err != nil {
		sub.Close()
		return nil, err
	}
	s.logger.Debug().Str("correlationId", env.CorrelationID).Msg("sent over duplex transport")
	return st, nil
}

func (s *Selector) sendPolled(ctx context.Context, cred auth.Credential, env wire.OutgoingEnvelope) (Stream, error) {
	if s.secondary == nil {
		return nil, fmt.Errorf("%w: no secondary transport", perrors.ErrTransportFallbackExhausted)
	}
	s.metrics.RecordFallback()

	reqCtx, abort := context.WithCancel(ctx)
	body, err := s.secondary.Open(reqCtx, cred.Token, env.Data)
	if err != nil {
		abort()
		if errors.Is(err, perrors.ErrCancelled) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("correlationId", env.CorrelationID).Msg("secondary transport failed")
		return nil, fmt.Errorf("%w: %w", perrors.ErrTransportFallbackExhausted, err)
	}
	s.logger.Info().Str("correlationId", env.CorrelationID).Msg("streaming over HTTP")
	return newPolledStream(env.CorrelationID, body, abort, s.metrics, s.logger), nil
}
