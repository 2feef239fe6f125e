// Package session accumulates the streamed reply to one chat message.
//
// A Session starts Pending, moves to Streaming on the first content-bearing
// event and ends in exactly one of Complete, Failed or Cancelled. Terminal
// states absorb every later event. Content is only ever appended.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/transport"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusPending Status = iota
	StatusStreaming
	StatusComplete
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStreaming:
		return "streaming"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusPending; st <= StatusCancelled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", b)
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Content     string            `json:"content"`
	ToolResults []wire.ToolResult `json:"toolResults,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
	Transport   string            `json:"transport,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithID uses id instead of a fresh correlation id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithMetrics records chunk and outcome metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = mt }
}

// OnUpdate registers fn to receive a snapshot after every change. Calls are
// serialized in the order the changes were applied; fn must not call back
// into Apply, Fail or Cancel.
func OnUpdate(fn func(Snapshot)) Option {
	return func(s *Session) { s.onUpdate = fn }
}

// Session tracks one correlation id's reply.
type Session struct {
	id       string
	metrics  *metrics.Metrics
	onUpdate func(Snapshot)
	logger   zerolog.Logger

	emitMu sync.Mutex // held across mutation and emission to keep updates ordered

	mu        sync.Mutex
	status    Status
	content   strings.Builder
	tools     []wire.ToolResult
	metadata  json.RawMessage
	errMsg    string
	stream    transport.Stream
	created   time.Time
	firstSeen bool
	done      chan struct{}
}

// New creates a Pending session with a fresh correlation id.
func New(logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		id:      uuid.New().String(),
		created: time.Now(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With().Str("component", "session").Str("correlationId", s.id).Logger()
	return s
}

// ID returns the correlation id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session is terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:       s.id,
		Status:   s.status,
		Content:  s.content.String(),
		Metadata: s.metadata,
		Error:    s.errMsg,
	}
	if len(s.tools) > 0 {
		snap.ToolResults = append([]wire.ToolResult(nil), s.tools...)
	}
	if s.stream != nil {
		snap.Transport = s.stream.Kind().String()
	}
	return snap
}

// Attach binds the delivery stream. A session cancelled before its stream
// arrives cancels the stream immediately.
func (s *Session) Attach(st transport.Stream) {
	s.mu.Lock()
	s.stream = st
	cancelled := s.status == StatusCancelled
	s.mu.Unlock()
	if cancelled {
		st.Cancel()
	}
}

// update runs mutate under the session lock and, when it reports a change,
// publishes the resulting snapshot.
func (s *Session) update(mutate func() bool) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	if !mutate() {
		s.mu.Unlock()
		return false
	}
	snap := s.snapshotLocked()
	terminal := s.status.Terminal()
	s.mu.Unlock()

	if terminal {
		s.finish(snap)
	}
	if s.onUpdate != nil {
		s.emit(snap)
	}
	if terminal {
		close(s.done)
	}
	return true
}

func (s *Session) emit(snap Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Msg("update callback panicked")
		}
	}()
	s.onUpdate(snap)
}

func (s *Session) finish(snap Snapshot) {
	kind := snap.Transport
	if kind == "" {
		kind = "none"
	}
	s.metrics.RecordSession(kind, snap.Status.String())

	evt := s.logger.Info()
	if snap.Status == StatusFailed {
		evt = s.logger.Warn().Str("error", snap.Error)
	}
	evt.Stringer("status", snap.Status).
		Int("content_len", len(snap.Content)).
		Dur("elapsed", time.Since(s.created)).
		Msg("session finished")
}

// Apply folds one event into the session and reports whether it changed
// anything. Events after a terminal state are ignored.
func (s *Session) Apply(ev wire.Event) bool {
	return s.update(func() bool {
		switch ev.Kind {
		case wire.EventContent:
			s.markStreaming()
			s.content.WriteString(ev.Text)
			s.recordChunk()
			return true
		case wire.EventToolStart, wire.EventToolResult:
			if ev.Tool == nil {
				return false
			}
			s.markStreaming()
			s.applyTool(*ev.Tool)
			return true
		case wire.EventDone:
			s.status = StatusComplete
			if len(ev.Metadata) > 0 {
				s.metadata = ev.Metadata
			}
			for _, t := range ev.Tools {
				s.applyTool(t)
			}
			return true
		case wire.EventError:
			s.status = StatusFailed
			s.errMsg = ev.Err
			if s.errMsg == "" {
				s.errMsg = "unknown error"
			}
			return true
		}
		return false
	})
}

func (s *Session) markStreaming() {
	if s.status == StatusPending {
		s.status = StatusStreaming
	}
}

func (s *Session) recordChunk() {
	kind := "none"
	if s.stream != nil {
		kind = s.stream.Kind().String()
	}
	s.metrics.RecordChunk(kind)
	if !s.firstSeen {
		s.firstSeen = true
		s.metrics.ObserveFirstChunk(kind, time.Since(s.created).Seconds())
	}
}

// applyTool completes the latest pending entry for the same tool, or appends.
func (s *Session) applyTool(t wire.ToolResult) {
	if !t.Pending {
		for i := len(s.tools) - 1; i >= 0; i-- {
			if s.tools[i].Pending && s.tools[i].ToolName == t.ToolName {
				s.tools[i] = t
				return
			}
		}
	}
	s.tools = append(s.tools, t)
}

// Fail moves a non-terminal session to Failed, keeping accumulated content.
func (s *Session) Fail(err error) bool {
	return s.Apply(wire.Event{Kind: wire.EventError, Err: err.Error()})
}

// Cancel moves a non-terminal session to Cancelled and releases its stream.
func (s *Session) Cancel() bool {
	var st transport.Stream
	changed := s.update(func() bool {
		s.status = StatusCancelled
		st = s.stream
		return true
	})
	if changed && st != nil {
		st.Cancel()
	}
	return changed
}

// Err returns the terminal error: nil for Complete, ErrCancelled for
// Cancelled, the reported failure for Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusFailed:
		return fmt.Errorf("assistant stream failed: %s", s.errMsg)
	case StatusCancelled:
		return perrors.ErrCancelled
	}
	return nil
}

// Run consumes the attached stream until the session is terminal.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		return errors.New("session has no stream attached")
	}

	for {
		ev, err := st.Next(ctx)
		switch {
		case err == nil:
			s.Apply(ev)
			continue
		case errors.Is(err, io.EOF):
			// a stream may end without its own terminal event
			s.Apply(wire.Event{Kind: wire.EventDone})
		case errors.Is(err, perrors.ErrCancelled),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			s.Cancel()
		default:
			s.Fail(err)
		}
		return s.Err()
	}
}
