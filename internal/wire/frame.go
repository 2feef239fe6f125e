// Package wire defines the JSON frames exchanged with the assistant backend
// over the duplex socket, the SSE records of the HTTP stream, and the
// transport-neutral Event both are normalized into.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
)

// FrameType discriminates socket frames.
type FrameType string

const (
	FrameChat        FrameType = "chat"
	FrameStatus      FrameType = "status"
	FrameError       FrameType = "error"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameStreamStart FrameType = "stream_start"
	FrameStreamChunk FrameType = "stream_chunk"
	FrameStreamEnd   FrameType = "stream_end"

	// Backend notices. connected greets a fresh socket and echo mirrors
	// JSON the backend did not recognize.
	FrameConnected FrameType = "connected"
	FrameEcho      FrameType = "echo"
)

// KeepaliveText is the bare text the backend answers with "pong".
const KeepaliveText = "ping"

// Valid reports whether t is one of the known inbound frame kinds.
func (t FrameType) Valid() bool {
	switch t {
	case FrameChat, FrameStatus, FrameError, FramePing, FramePong,
		FrameStreamStart, FrameStreamChunk, FrameStreamEnd,
		FrameConnected, FrameEcho:
		return true
	}
	return false
}

// IsNotice reports whether frames of this type are backend notices that
// belong to no correlation.
func (t FrameType) IsNotice() bool {
	return t == FrameConnected || t == FrameEcho
}

// IsControl reports whether frames of this type are keepalive traffic.
func (t FrameType) IsControl() bool {
	return t == FramePing || t == FramePong
}

// IsTerminal reports whether a frame of this type ends its correlation.
func (t FrameType) IsTerminal() bool {
	return t == FrameStreamEnd || t == FrameError
}

// Timestamp accepts RFC 3339 strings or unix milliseconds on decode and
// always encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp{Time: time.Now().UTC()} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("unrecognized timestamp %q", s)
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", b)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// InboundFrame is a decoded frame received from the socket. Values are not
// mutated after Decode returns.
type InboundFrame struct {
	Type          FrameType       `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     Timestamp       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// OutgoingEnvelope is a frame sent to the backend. For chat messages Data
// holds a ChatPayload, which the HTTP stream transport posts verbatim.
type OutgoingEnvelope struct {
	Type          FrameType       `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     Timestamp       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ChatPayload is the body of a user chat message.
type ChatPayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewChatEnvelope builds the envelope for a user message.
func NewChatEnvelope(correlationID string, payload ChatPayload) (OutgoingEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutgoingEnvelope{}, fmt.Errorf("marshaling chat payload: %w", err)
	}
	return OutgoingEnvelope{
		Type:          FrameChat,
		Data:          data,
		Timestamp:     Now(),
		CorrelationID: correlationID,
	}, nil
}

// NewControl builds a ping or pong envelope.
func NewControl(t FrameType) OutgoingEnvelope {
	return OutgoingEnvelope{Type: t, Timestamp: Now()}
}

// Encode marshals an envelope for the socket.
func Encode(env OutgoingEnvelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", env.Type, err)
	}
	return b, nil
}

// Decode parses one socket message. The backend also answers keepalives
// with bare "ping"/"pong" text, which decodes to a control frame.
// Failures are *errors.DecodeError.
func Decode(msg []byte) (InboundFrame, error) {
	trimmed := bytes.TrimSpace(msg)
	switch string(trimmed) {
	case string(FramePing):
		return InboundFrame{Type: FramePing, Timestamp: Now()}, nil
	case string(FramePong):
		return InboundFrame{Type: FramePong, Timestamp: Now()}, nil
	}

	var frame InboundFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return InboundFrame{}, perrors.NewDecodeError(msg, err)
	}
	if !frame.Type.Valid() {
		return InboundFrame{}, perrors.NewDecodeError(msg, fmt.Errorf("unknown frame type %q", frame.Type))
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = Now()
	}
	return frame, nil
}
