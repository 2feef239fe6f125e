// Package chat turns submitted user text into conversation messages and
// drives one stream session at a time to fill in the assistant's reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/assistant-client/internal/auth"
	"github.com/p-blackswan/assistant-client/internal/backend"
	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/session"
	"github.com/p-blackswan/assistant-client/internal/transport"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Sender delivers an envelope and returns the reply stream.
// *transport.Selector satisfies it.
type Sender interface {
	Send(ctx context.Context, cred auth.Credential, env wire.OutgoingEnvelope) (transport.Stream, error)
}

// Recorder persists finished messages.
type Recorder interface {
	Record(ctx context.Context, msg Message) error
}

// HistoryService is the backend's chat history contract. *backend.Client
// satisfies it.
type HistoryService interface {
	History(ctx context.Context, token string, limit, offset int) (backend.History, error)
	ClearHistory(ctx context.Context, token string) (int, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// RatePerMinute caps submissions. Zero disables the limit.
	RatePerMinute int

	// HistoryLimit is the page size for LoadHistory.
	HistoryLimit int

	// ConversationID is attached to every outgoing chat payload when set.
	ConversationID string
}

// DefaultConfig mirrors the backend's chat limits.
func DefaultConfig() Config {
	return Config{RatePerMinute: 10, HistoryLimit: 50}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists each finished exchange.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithHistory enables LoadHistory and ClearHistory.
func WithHistory(h HistoryService) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithMetrics passes metrics to the sessions the orchestrator creates.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = mt }
}

// WithGate replaces the default token freshness gate.
func WithGate(g auth.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

type active struct {
	sess      *session.Session
	userMsg   Message
	cancelRun context.CancelFunc
	finished  chan struct{}
}

// Orchestrator owns the conversation and at most one active session.
type Orchestrator struct {
	cfg      Config
	sender   Sender
	creds    auth.Source
	gate     auth.Gate
	limiter  *rate.Limiter
	recorder Recorder
	history  HistoryService
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	messages []Message
	current  *active
	last     *active

	smu  sync.Mutex
	subs []subscriber
	sseq uint64
}

type subscriber struct {
	id uint64
	fn func(Message)
}

// NewOrchestrator creates an orchestrator sending through sender with
// credentials from creds.
func NewOrchestrator(cfg Config, sender Sender, creds auth.Source, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	o := &Orchestrator{
		cfg:    cfg,
		sender: sender,
		creds:  creds,
		gate:   auth.DefaultGate,
		logger: logger.With().Str("component", "chat").Logger(),
	}
	if cfg.RatePerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit appends text as a user message and starts streaming the reply.
// It returns once the exchange has started; progress arrives through
// subscribers.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return perrors.ErrEmptyMessage
	}

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return perrors.ErrSessionActive
	}

	cred := o.creds.Current()
	if !o.gate.IsFresh(cred) {
		o.mu.Unlock()
		o.logger.Warn().Msg("credential missing or near expiry, not sending")
		return perrors.ErrAuthRequired
	}
	if o.limiter != nil && !o.limiter.Allow() {
		o.mu.Unlock()
		return perrors.ErrRateLimited
	}

	id := uuid.New().String()
	env, err := wire.NewChatEnvelope(id, wire.ChatPayload{
		Message:        text,
		ConversationID: o.cfg.ConversationID,
	})
	if err != nil {
		o.mu.Unlock()
		return err
	}
	sess := session.New(o.logger,
		session.WithID(id),
		session.WithMetrics(o.metrics),
		session.OnUpdate(o.onSnapshot),
	)

	now := time.Now().UTC()
	userMsg := Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: now,
		Status:    session.StatusComplete,
	}
	assistantMsg := Message{
		ID:          sess.ID(),
		Role:        RoleAssistant,
		CreatedAt:   now,
		IsStreaming: true,
		Status:      session.StatusPending,
	}
	o.messages = append(o.messages, userMsg, assistantMsg)

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	o.current = &active{sess: sess, userMsg: userMsg, cancelRun: cancelRun, finished: make(chan struct{})}
	o.mu.Unlock()

	o.logger.Info().Str("correlationId", sess.ID()).Int("length", len(text)).Msg("message submitted")
	o.publish(userMsg)
	o.publish(assistantMsg)

	go o.run(runCtx, sess, cred, env)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, cred auth.Credential, env wire.OutgoingEnvelope) {
	st, err := o.sender.Send(ctx, cred, env)
	switch {
	case err == nil:
		sess.Attach(st)
		_ = sess.Run(ctx)
	case errors.Is(err, perrors.ErrCancelled):
		sess.Cancel()
	default:
		o.logger.Error().Err(err).Str("correlationId", sess.ID()).Msg("send failed")
		sess.Fail(err)
	}
	o.finish(sess)
}

// onSnapshot republishes a session snapshot into the assistant message.
func (o *Orchestrator) onSnapshot(snap session.Snapshot) {
	o.mu.Lock()
	idx := o.indexLocked(snap.ID)
	if idx < 0 {
		o.mu.Unlock()
		return
	}
	o.messages[idx].applySnapshot(snap)
	msg := o.messages[idx].clone()
	o.mu.Unlock()

	o.publish(msg)
}

func (o *Orchestrator) indexLocked(id string) int {
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) finish(sess *session.Session) {
	o.mu.Lock()
	cur := o.current
	if cur == nil || cur.sess != sess {
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.last = cur
	var reply Message
	if idx := o.indexLocked(sess.ID()); idx >= 0 {
		reply = o.messages[idx].clone()
	}
	o.mu.Unlock()
	cur.cancelRun()
	defer close(cur.finished)

	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, msg := range []Message{cur.userMsg, reply} {
		if msg.ID == "" {
			continue
		}
		if err := o.recorder.Record(ctx, msg); err != nil {
			o.logger.Error().Err(err).Str("id", msg.ID).Msg("failed to record message")
		}
	}
}

// Cancel stops the active session, keeping whatever content arrived. It
// reports whether a session was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur == nil {
		return false
	}
	changed := cur.sess.Cancel()
	cur.cancelRun()
	if changed {
		o.logger.Info().Str("correlationId", cur.sess.ID()).Msg("session cancelled")
	}
	return true
}

// Active reports whether a session is in flight.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Wait blocks until the active exchange is finished and recorded, and
// returns its terminal error. When nothing is active it returns the most
// recent exchange's error.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	cur := o.current
	if cur == nil {
		cur = o.last
	}
	o.mu.Unlock()
	if cur == nil {
		return nil
	}

	select {
	case <-cur.finished:
		return cur.sess.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns a copy of the conversation.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	for i, m := range o.messages {
		out[i] = m.clone()
	}
	return out
}

// Subscribe registers fn to receive every message added or updated.
func (o *Orchestrator) Subscribe(fn func(Message)) (unsubscribe func()) {
	o.smu.Lock()
	o.sseq++
	id := o.sseq
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	o.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.smu.Lock()
			defer o.smu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *Orchestrator) publish(msg Message) {
	o.smu.Lock()
	subs := make([]subscriber, len(o.subs))
	copy(subs, o.subs)
	o.smu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Error().Interface("panic", rec).Msg("message subscriber panicked")
				}
			}()
			s.fn(msg.clone())
		}()
	}
}

// LoadHistory replaces the conversation with the backend's most recent
// history page and returns how many messages were loaded.
func (o *Orchestrator) LoadHistory(ctx context.Context) (int, error) {
	if o.history == nil {
		return 0, errors.New("history service not configured")
	}
	cred := o.creds.Current()
	if !o.gate.IsFresh(cred) {
		return 0, perrors.ErrAuthRequired
	}

	h, err := o.history.History(ctx, cred.Token, o.cfg.HistoryLimit, 0)
	if err != nil {
		return 0, err
	}

	msgs := make([]Message, 0, len(h.Messages))
	for _, hm := range h.Messages {
		msgs = append(msgs, Message{
			ID:        strconv.FormatInt(hm.ID, 10),
			Role:      Role(hm.Role),
			Content:   hm.Content,
			CreatedAt: hm.CreatedAt.Time,
			Status:    session.StatusComplete,
		})
	}

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return 0, perrors.ErrSessionActive
	}
	o.messages = msgs
	o.mu.Unlock()

	for _, m := range msgs {
		o.publish(m)
	}
	o.logger.Info().Int("loaded", len(msgs)).Int("total", h.Total).Msg("history loaded")
	return len(msgs), nil
}

// ClearHistory deletes the backend conversation and empties the local one.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	if o.history == nil {
		return errors.New("history service not configured")
	}
	if o.Active() {
		return perrors.ErrSessionActive
	}
	cred := o.creds.Current()
	if !o.gate.IsFresh(cred) {
		return perrors.ErrAuthRequired
	}
	if _, err := o.history.ClearHistory(ctx, cred.Token); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}

	o.mu.Lock()
	o.messages = nil
	o.mu.Unlock()
	return nil
}
