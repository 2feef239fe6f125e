package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/assistant-client/internal/auth"
	"github.com/p-blackswan/assistant-client/internal/backend"
	"github.com/p-blackswan/assistant-client/internal/chat"
	"github.com/p-blackswan/assistant-client/internal/config"
	"github.com/p-blackswan/assistant-client/internal/conn"
	"github.com/p-blackswan/assistant-client/internal/health"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/retry"
	"github.com/p-blackswan/assistant-client/internal/transport"
	"github.com/p-blackswan/assistant-client/pkg/transcript"
)

// stack is the wired client core shared by the commands.
type stack struct {
	creds        *auth.MemorySource
	gate         auth.Gate
	metrics      *metrics.Metrics
	manager      *conn.Manager
	api          *backend.Client
	selector     *transport.Selector
	store        *transcript.Store // nil when no transcript is configured
	orchestrator *chat.Orchestrator
	checker      *health.Checker
	logger       zerolog.Logger
}

func newStack(cfg *config.Config, logger zerolog.Logger) (*stack, error) {
	s := &stack{
		creds:   auth.NewMemorySource(),
		gate:    auth.Gate{Margin: cfg.FreshnessMargin, Now: time.Now},
		metrics: metrics.New(),
		logger:  logger,
	}

	if cfg.Token != "" {
		s.creds.SetToken(cfg.Token, time.Now().Add(cfg.TokenTTL))
	} else {
		logger.Warn().Msg("ASSISTANT_TOKEN not set; messages are refused until a credential is provided")
	}

	connCfg := conn.DefaultConfig()
	connCfg.URL = cfg.SocketURL
	connCfg.TokenParam = cfg.TokenParam
	connCfg.PingInterval = cfg.PingInterval
	connCfg.HandshakeTimeout = cfg.HandshakeTimeout
	connCfg.Reconnect = retry.Config{
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
	}
	s.manager = conn.NewManager(connCfg, logger,
		conn.WithMetrics(s.metrics),
		conn.WithCredentialSource(s.creds),
	)
	s.manager.Subscribe(func(prev, next conn.State) {
		logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state changed")
	})

	s.api = backend.NewClient(cfg.HTTPURL, logger)

	s.selector = transport.NewSelector(transport.Config{
		PollInterval:   cfg.ConnectPollInterval,
		ConnectTimeout: cfg.ConnectTimeout,
		AutoPromote:    cfg.AutoPromote,
	}, s.manager, s.api, logger, transport.WithMetrics(s.metrics))

	s.checker = health.NewChecker(logger)
	s.checker.Register("connection", health.ConnectionCheck(s.manager))
	s.checker.Register("credential", health.CredentialCheck(s.creds, s.gate))

	opts := []chat.Option{
		chat.WithHistory(s.api),
		chat.WithMetrics(s.metrics),
		chat.WithGate(s.gate),
	}
	if cfg.TranscriptEnabled() {
		store, err := transcript.New(cfg.TranscriptPath, logger)
		if err != nil {
			s.selector.Close()
			return nil, err
		}
		s.store = store
		opts = append(opts, chat.WithRecorder(transcriptRecorder{store: store}))
		s.checker.Register("transcript", health.PingCheck(store))
	}

	s.orchestrator = chat.NewOrchestrator(chat.Config{
		RatePerMinute:  cfg.ChatRatePerMinute,
		HistoryLimit:   cfg.HistoryLimit,
		ConversationID: cfg.ConversationID,
	}, s.selector, s.creds, logger, opts...)

	return s, nil
}

// connect opens the socket eagerly when a fresh credential is available. A
// failure leaves the HTTP stream in use until the connection comes back.
func (s *stack) connect(ctx context.Context) {
	cred := s.creds.Current()
	if !s.gate.IsFresh(cred) {
		return
	}
	if err := s.manager.Connect(ctx, cred); err != nil {
		s.logger.Warn().Err(err).Msg("initial socket connect failed")
	}
}

// Close cancels any active exchange and releases the connection and store.
func (s *stack) Close() {
	s.orchestrator.Cancel()
	s.selector.Close()
	if err := s.manager.Disconnect(); err != nil {
		s.logger.Error().Err(err).Msg("socket disconnect error")
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("transcript close error")
		}
	}
}
