// Package transport delivers a chat envelope over the duplex socket or, when
// that is unavailable, over a single HTTP event stream, and exposes the reply
// as a uniform sequence of events.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/metrics"
	"github.com/p-blackswan/assistant-client/internal/router"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Kind tags which transport delivers a stream.
type Kind int

const (
	KindDuplex Kind = iota
	KindPolled
)

func (k Kind) String() string {
	if k == KindPolled {
		return "polled"
	}
	return "duplex"
}

// Stream is the reply to one sent envelope.
//
// Next blocks until the next event is available. After a terminal event
// (done or error) it returns io.EOF; after Cancel it returns
// errors.ErrCancelled. Cancel is idempotent and releases the underlying
// registration or request.
type Stream interface {
	Kind() Kind
	ID() string
	Next(ctx context.Context) (wire.Event, error)
	Cancel()
}

// DuplexStream receives frames routed by correlation id. The router
// callback only enqueues, so the socket read loop never waits on a consumer.
type DuplexStream struct {
	id      string
	sub     *router.Subscription
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	queue     []wire.Event
	ready     chan struct{}
	ended     bool
	cancelled bool
}

func newDuplexStream(id string, mt *metrics.Metrics, logger zerolog.Logger) *DuplexStream {
	return &DuplexStream{
		id:      id,
		metrics: mt,
		logger:  logger,
		ready:   make(chan struct{}, 1),
	}
}

func (d *DuplexStream) Kind() Kind { return KindDuplex }
func (d *DuplexStream) ID() string { return d.id }

// handle is the router callback for this stream's correlation id.
func (d *DuplexStream) handle(frame wire.InboundFrame) {
	ev, err := wire.FrameEvent(frame)
	if err != nil {
		d.metrics.RecordDecodeError(KindDuplex.String())
		if !frame.Type.IsTerminal() {
			d.logger.Warn().Err(err).Str("correlationId", d.id).Msg("dropping undecodable frame")
			return
		}
		// The router already dropped this id, so the stream must end here.
		d.logger.Warn().Err(err).Str("correlationId", d.id).Str("type", string(frame.Type)).
			Msg("undecodable terminal frame")
		ev = wire.Event{Kind: wire.EventError, Err: "malformed " + string(frame.Type) + " frame"}
		if frame.Type == wire.FrameStreamEnd {
			ev = wire.Event{Kind: wire.EventDone}
		}
	}

	d.mu.Lock()
	if d.ended || d.cancelled {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	if ev.Kind.Terminal() {
		d.ended = true
	}
	d.mu.Unlock()
	d.signal()
}

func (d *DuplexStream) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *DuplexStream) Next(ctx context.Context) (wire.Event, error) {
	for {
		d.mu.Lock()
		switch {
		case d.cancelled:
			d.mu.Unlock()
			return wire.Event{}, perrors.ErrCancelled
		case len(d.queue) > 0:
			ev := d.queue[0]
			d.queue[0] = wire.Event{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return ev, nil
		case d.ended:
			d.mu.Unlock()
			return wire.Event{}, io.EOF
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.Event{}, ctx.Err()
		case <-d.ready:
		}
	}
}

func (d *DuplexStream) Cancel() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	d.queue = nil
	sub := d.sub
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	d.signal()
}

// PolledStream reads `data:` records from an HTTP event-stream body.
type PolledStream struct {
	id      string
	body    io.ReadCloser
	reader  *wire.SSEReader
	abort   context.CancelFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	ended     bool
	cancelled bool
	closeOnce sync.Once
}

func newPolledStream(id string, body io.ReadCloser, abort context.CancelFunc, mt *metrics.Metrics, logger zerolog.Logger) *PolledStream {
	return &PolledStream{
		id:      id,
		body:    body,
		reader:  wire.NewSSEReader(body),
		abort:   abort,
		metrics: mt,
		logger:  logger,
	}
}

func (p *PolledStream) Kind() Kind { return KindPolled }
func (p *PolledStream) ID() string { return p.id }

// Next returns the next record's event. Malformed records are skipped. A
// body that ends without a done record completes the stream.
func (p *PolledStream) Next(ctx context.Context) (wire.Event, error) {
	stop := context.AfterFunc(ctx, p.Cancel)
	defer stop()

	for {
		p.mu.Lock()
		cancelled, ended := p.cancelled, p.ended
		p.mu.Unlock()
		if cancelled {
			if ctx.Err() != nil {
				return wire.Event{}, ctx.Err()
			}
			return wire.Event{}, perrors.ErrCancelled
		}
		if ended {
			return wire.Event{}, io.EOF
		}

		data, err := p.reader.ReadData()
		if err != nil {
			p.mu.Lock()
			cancelled = p.cancelled
			p.mu.Unlock()
			if cancelled {
				continue
			}
			p.finish()
			if errors.Is(err, io.EOF) {
				p.logger.Debug().Str("correlationId", p.id).Msg("event stream ended without done record")
				return wire.Event{Kind: wire.EventDone}, nil
			}
			return wire.Event{}, err
		}

		rec, err := wire.DecodeRecord(data)
		if err != nil {
			p.metrics.RecordDecodeError(KindPolled.String())
			p.logger.Warn().Err(err).Str("correlationId", p.id).Msg("skipping malformed record")
			continue
		}
		ev, ok := rec.Event(data)
		if !ok {
			p.logger.Debug().Str("type", rec.Type).Msg("ignoring record")
			continue
		}
		if ev.Kind.Terminal() {
			p.finish()
		}
		return ev, nil
	}
}

// finish marks the stream ended and releases the response body.
func (p *PolledStream) finish() {
	p.mu.Lock()
	p.ended = true
	p.mu.Unlock()
	p.close()
}

func (p *PolledStream) close() {
	p.closeOnce.Do(func() {
		p.abort()
		_ = p.body.Close()
	})
}

func (p *PolledStream) Cancel() {
	p.mu.Lock()
	if p.cancelled || p.ended {
		p.mu.Unlock()
		return
	}
	p.cancelled = true
	p.mu.Unlock()
	p.close()
}
