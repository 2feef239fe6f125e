package chat

import (
	"time"

	"github.com/p-blackswan/assistant-client/internal/session"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation as views render it.
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	CreatedAt   time.Time         `json:"createdAt"`
	IsStreaming bool              `json:"isStreaming"`
	ToolResults []wire.ToolResult `json:"toolResults,omitempty"`
	Status      session.Status    `json:"status"`
	Error       string            `json:"error,omitempty"`
}

func (m Message) clone() Message {
	if m.ToolResults != nil {
		m.ToolResults = append([]wire.ToolResult(nil), m.ToolResults...)
	}
	return m
}

// applySnapshot copies a session snapshot into the assistant message.
func (m *Message) applySnapshot(snap session.Snapshot) {
	m.Content = snap.Content
	m.ToolResults = snap.ToolResults
	m.Status = snap.Status
	m.Error = snap.Error
	m.IsStreaming = !snap.Status.Terminal()
}
