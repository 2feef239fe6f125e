// Package router fans inbound socket frames out to the callbacks registered
// under their correlation id.
package router

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Handler receives frames for one correlation id.
type Handler func(frame wire.InboundFrame)

type entry struct {
	seq     uint64
	handler Handler
}

// Router owns the correlation table of one connection.
type Router struct {
	mu     sync.Mutex
	table  map[string][]entry
	seq    uint64
	logger zerolog.Logger
}

// New creates an empty router.
func New(logger zerolog.Logger) *Router {
	return &Router{
		table:  make(map[string][]entry),
		logger: logger.With().Str("component", "frame-router").Logger(),
	}
}

// Subscription is the handle returned by Register and Bind.
type Subscription struct {
	r    *Router
	id   string
	seq  uint64
	once sync.Once
}

// ID returns the correlation id the handle is bound to.
func (s *Subscription) ID() string { return s.id }

// Close removes the callback. Safe to call more than once and after the
// router already dropped the id on a terminal frame.
func (s *Subscription) Close() {
	s.once.Do(func() { s.r.remove(s.id, s.seq) })
}

// Register adds h under id, after any callbacks already registered.
func (r *Router) Register(id string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(id, h)
}

// Bind registers the first callback for id. It fails with
// ErrDuplicateCorrelation if id is already in the table, which keeps one
// live session per correlation id.
func (r *Router) Bind(id string, h Handler) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[id]; exists {
		return nil, perrors.ErrDuplicateCorrelation
	}
	return r.addLocked(id, h), nil
}

func (r *Router) addLocked(id string, h Handler) *Subscription {
	r.seq++
	r.table[id] = append(r.table[id], entry{seq: r.seq, handler: h})
	return &Subscription{r: r, id: id, seq: r.seq}
}

func (r *Router) remove(id string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.table[id]
	if !ok {
		return
	}
	for i, e := range entries {
		if e.seq == seq {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.table, id)
		return
	}
	r.table[id] = entries
}

// Deregister drops every callback under id.
func (r *Router) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, id)
}

// Route dispatches frame and returns how many callbacks received it.
// Control frames, backend notices and frames for unknown ids are dropped. stream_end and
// error frames remove the id before its callbacks run.
func (r *Router) Route(frame wire.InboundFrame) int {
	if frame.Type.IsControl() || frame.Type.IsNotice() || frame.CorrelationID == "" {
		return 0
	}

	r.mu.Lock()
	entries := r.table[frame.CorrelationID]
	if frame.Type.IsTerminal() {
		delete(r.table, frame.CorrelationID)
	}
	handlers := make([]Handler, len(entries))
	for i, e := range entries {
		handlers[i] = e.handler
	}
	r.mu.Unlock()

	if len(handlers) == 0 {
		r.logger.Trace().
			Str("type", string(frame.Type)).
			Str("correlationId", frame.CorrelationID).
			Msg("dropping frame with no registration")
		return 0
	}

	for _, h := range handlers {
		r.invoke(h, frame)
	}
	return len(handlers)
}

func (r *Router) invoke(h Handler, frame wire.InboundFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("correlationId", frame.CorrelationID).
				Str("type", string(frame.Type)).
				Msg("frame callback panicked")
		}
	}()
	h(frame)
}

// FailAll routes a synthetic error frame to every registered id, which also
// empties the table. Used when the connection is gone for good.
func (r *Router) FailAll(err error) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.table))
	for id := range r.table {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	for _, id := range ids {
		r.Route(wire.InboundFrame{
			Type:          wire.FrameError,
			Data:          data,
			Timestamp:     wire.Now(),
			CorrelationID: id,
		})
	}
	return len(ids)
}

// Has reports whether id has any registered callback.
func (r *Router) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.table[id]
	return ok
}

// Len returns the number of correlation ids in the table.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}
