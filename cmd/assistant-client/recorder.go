package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/p-blackswan/assistant-client/internal/chat"
	"github.com/p-blackswan/assistant-client/pkg/transcript"
)

// transcriptRecorder stores finished chat messages in the local transcript.
type transcriptRecorder struct {
	store *transcript.Store
}

func (r transcriptRecorder) Record(ctx context.Context, msg chat.Message) error {
	entry, err := toEntry(msg)
	if err != nil {
		return err
	}
	return r.store.Record(ctx, entry)
}

func toEntry(msg chat.Message) (transcript.Entry, error) {
	entry := transcript.Entry{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Status:    msg.Status.String(),
		Error:     msg.Error,
		CreatedAt: msg.CreatedAt,
	}
	if len(msg.ToolResults) > 0 {
		raw, err := json.Marshal(msg.ToolResults)
		if err != nil {
			return transcript.Entry{}, fmt.Errorf("encoding tool results: %w", err)
		}
		entry.ToolResults = raw
	}
	return entry, nil
}
