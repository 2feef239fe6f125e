package viewapi

import (
	"github.com/p-blackswan/assistant-client/internal/chat"
	"github.com/p-blackswan/assistant-client/internal/health"
	"github.com/p-blackswan/assistant-client/pkg/transcript"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// SubmitRequest is the body of POST /v1/messages.
type SubmitRequest struct {
	Text string `json:"text"`
}

// SubmitResponse acknowledges an accepted message.
type SubmitResponse struct {
	Status string `json:"status"`
}

// MessagesResponse lists the conversation.
type MessagesResponse struct {
	Messages []chat.Message `json:"messages"`
	Active   bool           `json:"active"`
}

// ConnectionResponse describes transport state. Checks holds the results of
// the last readiness run, if any.
type ConnectionResponse struct {
	State   string                   `json:"state"`
	Demoted bool                     `json:"demoted"`
	Checks  map[string]health.Status `json:"checks,omitempty"`
}

// TranscriptResponse lists locally recorded messages.
type TranscriptResponse struct {
	Entries []transcript.Entry `json:"entries"`
	Count   int                `json:"count"`
}

// HistoryResponse reports a history load.
type HistoryResponse struct {
	Loaded int `json:"loaded"`
}
