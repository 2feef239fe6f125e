package wire

import (
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
)

// EventKind classifies a normalized stream event.
type EventKind int

const (
	EventStart EventKind = iota
	EventContent
	EventToolStart
	EventToolResult
	EventStatus
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventContent:
		return "content"
	case EventToolStart:
		return "tool_start"
	case EventToolResult:
		return "tool_result"
	case EventStatus:
		return "status"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Terminal reports whether the event ends a stream.
func (k EventKind) Terminal() bool { return k == EventDone || k == EventError }

// ToolResult is a tool invocation reported by the assistant.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Result   json.RawMessage `json:"result,omitempty"`
	Pending  bool            `json:"pending,omitempty"`
}

// Event is what both transports hand to a stream session.
type Event struct {
	Kind     EventKind
	Text     string
	Tool     *ToolResult
	Tools    []ToolResult
	Metadata json.RawMessage
	Err      string
}

// frameBody covers the object shapes the backend puts in frame data.
type frameBody struct {
	Content     *string         `json:"content"`
	Text        *string         `json:"text"`
	Chunk       *string         `json:"chunk"`
	Error       string          `json:"error"`
	Message     string          `json:"message"`
	Detail      string          `json:"detail"`
	ToolResults []ToolResult    `json:"tool_results"`
	ToolName    string          `json:"tool_name"`
	Result      json.RawMessage `json:"result"`
}

func decodeBody(data json.RawMessage) (frameBody, string, bool, error) {
	var body frameBody
	if len(data) == 0 || string(data) == "null" {
		return body, "", false, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return body, "", false, err
		}
		return body, s, true, nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return body, "", false, err
	}
	return body, "", false, nil
}

func (b frameBody) text() string {
	switch {
	case b.Content != nil:
		return *b.Content
	case b.Text != nil:
		return *b.Text
	case b.Chunk != nil:
		return *b.Chunk
	}
	return ""
}

func (b frameBody) errText() string {
	switch {
	case b.Error != "":
		return b.Error
	case b.Message != "":
		return b.Message
	case b.Detail != "":
		return b.Detail
	}
	return "unknown error"
}

// FrameEvent converts a routed socket frame into an Event. Control frames
// are rejected; they never reach sessions.
func FrameEvent(f InboundFrame) (Event, error) {
	if f.Type.IsControl() || f.Type.IsNotice() {
		return Event{}, fmt.Errorf("control frame %q has no event", f.Type)
	}
	body, str, isString, err := decodeBody(f.Data)
	if err != nil {
		return Event{}, perrors.NewDecodeError(f.Data, fmt.Errorf("%s data: %w", f.Type, err))
	}

	switch f.Type {
	case FrameStreamStart:
		return Event{Kind: EventStart, Metadata: f.Data}, nil
	case FrameStreamChunk, FrameChat:
		if isString {
			return Event{Kind: EventContent, Text: str}, nil
		}
		if body.ToolName != "" && body.text() == "" {
			return Event{Kind: EventToolResult, Tool: &ToolResult{ToolName: body.ToolName, Result: body.Result}}, nil
		}
		return Event{Kind: EventContent, Text: body.text()}, nil
	case FrameStatus:
		return Event{Kind: EventStatus, Metadata: f.Data}, nil
	case FrameStreamEnd:
		return Event{Kind: EventDone, Metadata: f.Data, Tools: body.ToolResults}, nil
	case FrameError:
		if isString {
			return Event{Kind: EventError, Err: str}, nil
		}
		return Event{Kind: EventError, Err: body.errText()}, nil
	}
	return Event{}, perrors.NewDecodeError(f.Data, fmt.Errorf("unknown frame type %q", f.Type))
}

// Record is one `data:` record of the HTTP stream.
type Record struct {
	Type       string          `json:"type"`
	Content    *string         `json:"content,omitempty"`
	Text       *string         `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
}

// DecodeRecord parses the JSON object of a `data:` record.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, perrors.NewDecodeError(data, err)
	}
	if rec.Type == "" {
		return Record{}, perrors.NewDecodeError(data, fmt.Errorf("record without type"))
	}
	return rec, nil
}

// Event converts a record. ok is false for record types sessions ignore.
func (r Record) Event(raw []byte) (Event, bool) {
	switch r.Type {
	case "content":
		text := ""
		if r.Content != nil {
			text = *r.Content
		} else if r.Text != nil {
			text = *r.Text
		}
		return Event{Kind: EventContent, Text: text}, true
	case "tool_use_start":
		return Event{Kind: EventToolStart, Tool: &ToolResult{ToolName: r.ToolName, Pending: true}}, true
	case "tool_result":
		return Event{Kind: EventToolResult, Tool: &ToolResult{ToolName: r.ToolName, Result: r.Result}}, true
	case "done":
		return Event{Kind: EventDone, Metadata: raw}, true
	case "error":
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		if r.StatusCode != 0 {
			msg = fmt.Sprintf("%s (status %d)", msg, r.StatusCode)
		}
		return Event{Kind: EventError, Err: msg}, true
	}
	return Event{}, false
}
