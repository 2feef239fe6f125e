package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/pkg/transcript"
)

// mockAssistant serves the HTTP side of the backend: the event stream and
// the history endpoints.
type mockAssistant struct {
	server   *httptest.Server
	streams  atomic.Int32
	messages chan string
}

func newMockAssistant(t *testing.T) *mockAssistant {
	t.Helper()
	m := &mockAssistant{messages: make(chan string, 4)}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		m.streams.Add(1)
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		m.messages <- payload.Message

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, rec := range []string{
			`{"type":"content","content":"Hi"}`,
			`{"type":"content","content":" there"}`,
			`{"type":"done"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", rec)
			flusher.Flush()
		}
	})
	mux.HandleFunc("/chat/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodDelete {
			fmt.Fprint(w, `{"message":"Chat history cleared","deleted_count":2}`)
			return
		}
		fmt.Fprint(w, `{"messages":[
			{"id":1,"role":"user","content":"hello","created_at":"2026-03-01T10:00:00"},
			{"id":2,"role":"assistant","content":"Hi\nthere","created_at":"2026-03-01T10:00:02"}
		],"total":2}`)
	})

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// setTestEnv points the client at httpURL with an unreachable socket, so
// every reply arrives over the HTTP stream after a short wait.
func setTestEnv(t *testing.T, httpURL string) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ASSISTANT_SOCKET_URL", "ws://127.0.0.1:1/chat/ws")
	t.Setenv("ASSISTANT_HTTP_URL", httpURL)
	t.Setenv("ASSISTANT_TOKEN", "opaque-token")
	t.Setenv("CONNECT_TIMEOUT", "200ms")
	t.Setenv("CONNECT_POLL_INTERVAL", "20ms")
	t.Setenv("WS_MAX_RECONNECT_ATTEMPTS", "0")
	t.Setenv("TRANSCRIPT_PATH", "")
	t.Setenv("CHAT_CONVERSATION_ID", "")
}

func runCmd(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_Version(t *testing.T) {
	out, err := runCmd(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev (commit: unknown")
}

func TestRootCommand_UnknownCommand(t *testing.T) {
	_, err := runCmd(t, "bogus")
	assert.Error(t, err)
}

func TestSendCommand_StreamsReply(t *testing.T) {
	backend := newMockAssistant(t)
	setTestEnv(t, backend.server.URL)

	out, err := runCmd(t, "send", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "Hi there\n", out)
	assert.Equal(t, int32(1), backend.streams.Load())
	assert.Equal(t, "hello there", <-backend.messages)
}

func TestSendCommand_RecordsTranscript(t *testing.T) {
	backend := newMockAssistant(t)
	setTestEnv(t, backend.server.URL)
	path := filepath.Join(t.TempDir(), "transcript.db")
	t.Setenv("TRANSCRIPT_PATH", path)

	_, err := runCmd(t, "send", "hello")
	require.NoError(t, err)

	store, err := transcript.New(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "Hi there", entries[1].Content)
	assert.Equal(t, "complete", entries[1].Status)
}

func TestSendCommand_NoCredential(t *testing.T) {
	backend := newMockAssistant(t)
	setTestEnv(t, backend.server.URL)
	t.Setenv("ASSISTANT_TOKEN", "")

	out, err := runCmd(t, "send", "hello")
	assert.ErrorIs(t, err, perrors.ErrAuthRequired)
	assert.Empty(t, out)
	assert.Equal(t, int32(0), backend.streams.Load())
}

func TestSendCommand_RequiresMessage(t *testing.T) {
	_, err := runCmd(t, "send")
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	backend := newMockAssistant(t)
	setTestEnv(t, backend.server.URL)

	out, err := runCmd(t, "history", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "CONTENT")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Hi there")
	assert.Contains(t, out, "assistant")
}

func TestHistoryCommand_Clear(t *testing.T) {
	backend := newMockAssistant(t)
	setTestEnv(t, backend.server.URL)

	out, err := runCmd(t, "history", "--clear")
	require.NoError(t, err)
	assert.Equal(t, "History cleared.\n", out)
}

func TestTranscriptCommand(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	path := filepath.Join(t.TempDir(), "transcript.db")
	t.Setenv("TRANSCRIPT_PATH", path)

	store, err := transcript.New(path, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, transcript.Entry{ID: "u1", Role: "user", Content: "hello", Status: "complete", CreatedAt: base}))
	require.NoError(t, store.Record(ctx, transcript.Entry{ID: "a1", Role: "assistant", Content: "Partial", Status: "failed", Error: "model overloaded", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.Close())

	out, err := runCmd(t, "transcript")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Partial [error: model overloaded]")

	out, err = runCmd(t, "transcript", "--clear")
	require.NoError(t, err)
	assert.Equal(t, "Removed 2 entries.\n", out)

	out, err = runCmd(t, "transcript")
	require.NoError(t, err)
	assert.Equal(t, "No entries.\n", out)
}

func TestTranscriptCommand_Disabled(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")

	_, err := runCmd(t, "transcript")
	assert.ErrorIs(t, err, errNoTranscript)
}
