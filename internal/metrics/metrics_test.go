package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.ConnectionState)
	assert.NotNil(t, m.FramesTotal)
	assert.NotNil(t, m.SessionsTotal)
}

func TestMetrics_RecordSession(t *testing.T) {
	m := New()
	m.RecordSession("duplex", "complete")
	m.RecordSession("duplex", "complete")
	m.RecordSession("polled", "failed")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `assistant_sessions_total{outcome="complete",transport="duplex"} 2`)
	assert.Contains(t, body, `assistant_sessions_total{outcome="failed",transport="polled"} 1`)
}

func TestMetrics_ConnectionAndFrames(t *testing.T) {
	m := New()
	m.SetConnectionState(2)
	m.RecordFrame("stream_chunk")
	m.RecordReconnect()
	m.RecordFallback()
	m.RecordDecodeError("duplex")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "assistant_connection_state 2")
	assert.Contains(t, body, `assistant_frames_total{type="stream_chunk"} 1`)
	assert.Contains(t, body, "assistant_reconnect_attempts_total 1")
	assert.Contains(t, body, "assistant_transport_fallbacks_total 1")
	assert.Contains(t, body, `assistant_decode_errors_total{transport="duplex"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnectionState(1)
		m.RecordReconnect()
		m.RecordFrame("chat")
		m.RecordDecodeError("polled")
		m.RecordSession("duplex", "cancelled")
		m.RecordFallback()
		m.RecordChunk("duplex")
		m.ObserveFirstChunk("duplex", 0.1)
	})
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
