// Package metrics provides Prometheus metrics for the assistant client.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the streaming core.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	FramesTotal       *prometheus.CounterVec
	DecodeErrorsTotal *prometheus.CounterVec
	SessionsTotal     *prometheus.CounterVec
	FallbacksTotal    prometheus.Counter
	ChunksTotal       *prometheus.CounterVec
	TimeToFirstChunk  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assistant_connection_state",
				Help: "Duplex connection state (0 disconnected, 1 connecting, 2 connected, 3 disconnecting, 4 errored).",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_reconnect_attempts_total",
				Help: "Scheduled socket reconnection attempts.",
			},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_frames_total",
				Help: "Inbound socket frames by type.",
			},
			[]string{"type"},
		),
		DecodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_decode_errors_total",
				Help: "Malformed inbound frames or records dropped, by transport.",
			},
			[]string{"transport"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_sessions_total",
				Help: "Finished stream sessions by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),
		FallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assistant_transport_fallbacks_total",
				Help: "Messages sent over the HTTP stream because the socket was unavailable.",
			},
		),
		ChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_stream_chunks_total",
				Help: "Content chunks applied to sessions, by transport.",
			},
			[]string{"transport"},
		),
		TimeToFirstChunk: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_time_to_first_chunk_seconds",
				Help:    "Delay between submit and the first content chunk.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ConnectionState)
	reg.MustRegister(m.ReconnectAttempts)
	reg.MustRegister(m.FramesTotal)
	reg.MustRegister(m.DecodeErrorsTotal)
	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.FallbacksTotal)
	reg.MustRegister(m.ChunksTotal)
	reg.MustRegister(m.TimeToFirstChunk)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// RecordReconnect counts one scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordFrame counts an inbound frame.
func (m *Metrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(frameType).Inc()
}

// RecordDecodeError counts a dropped malformed frame.
func (m *Metrics) RecordDecodeError(transport string) {
	if m == nil {
		return
	}
	m.DecodeErrorsTotal.WithLabelValues(transport).Inc()
}

// RecordSession counts a session reaching a terminal state.
func (m *Metrics) RecordSession(transport, outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(transport, outcome).Inc()
}

// RecordFallback counts a fallback to the HTTP stream.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

// RecordChunk counts an applied content chunk.
func (m *Metrics) RecordChunk(transport string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(transport).Inc()
}

// ObserveFirstChunk records time to first content.
func (m *Metrics) ObserveFirstChunk(transport string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunk.WithLabelValues(transport).Observe(seconds)
}
