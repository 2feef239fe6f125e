// Package backend is the HTTP client for the assistant backend: the
// streaming chat endpoint used as the secondary transport, and the chat
// history call contracts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/requestid"
	"github.com/p-blackswan/assistant-client/internal/retry"
	"github.com/p-blackswan/assistant-client/internal/wire"
)

const serviceName = "assistant"

// maxErrorBody caps how much of a failed response is read for its message.
const maxErrorBody = 4 << 10

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HistoryMessage is one persisted message as the backend reports it.
type HistoryMessage struct {
	ID        int64           `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt wire.Timestamp  `json:"created_at"`
}

// History is a page of chat history in chronological order.
type History struct {
	Messages []HistoryMessage `json:"messages"`
	Total    int              `json:"total"`
}

// Client talks to the assistant backend over HTTP.
type Client struct {
	baseURL string

	// api serves short request/response calls; stream has no overall
	// timeout since a reply body stays open for as long as the assistant
	// keeps producing output.
	api    HTTPClient
	stream HTTPClient

	retry  retry.Config
	logger zerolog.Logger
}

// NewClient creates a backend client for baseURL, e.g. "https://api.example.com".
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		api:     &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "backend").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client for every call (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.api = hc
	c.stream = hc
}

// SetRetry overrides the retry policy for history calls.
func (c *Client) SetRetry(cfg retry.Config) {
	c.retry = cfg
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Open posts a chat payload to the streaming endpoint and returns the
// event-stream body. Cancelling ctx aborts the request and unblocks readers
// of the body. The caller must close it.
func (c *Client) Open(ctx context.Context, token string, payload json.RawMessage) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/stream", token, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("opening chat stream: %w", perrors.ErrCancelled)
		}
		return nil, fmt.Errorf("opening chat stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	c.logger.Debug().
		Str("request_id", req.Header.Get(requestid.Header)).
		Int("status", resp.StatusCode).
		Msg("chat stream opened")
	return resp.Body, nil
}

// History fetches one page of chat history. Transient failures are retried.
func (c *Client) History(ctx context.Context, token string, limit, offset int) (History, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/chat/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out History
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		out = History{}
		return c.doJSON(ctx, http.MethodGet, path, token, &out)
	})
	if err != nil {
		return History{}, fmt.Errorf("fetching chat history: %w", err)
	}
	return out, nil
}

// ClearHistory deletes the conversation on the backend and returns how many
// messages were removed.
func (c *Client) ClearHistory(ctx context.Context, token string) (int, error) {
	var out struct {
		Message      string `json:"message"`
		DeletedCount int    `json:"deleted_count"`
	}
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodDelete, "/chat/history", token, &out)
	})
	if err != nil {
		return 0, fmt.Errorf("clearing chat history: %w", err)
	}
	c.logger.Info().Int("deleted", out.DeletedCount).Msg("chat history cleared")
	return out.DeletedCount, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	if token == "" {
		return nil, perrors.ErrAuthRequired
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	requestid.Apply(req)
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, v interface{}) error {
	req, err := c.newRequest(ctx, method, path, token, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s %s: %w", method, path, perrors.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// apiError builds an APIError from a failed response, preferring the
// backend's "detail" field as the message.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	var detail struct {
		Detail interface{} `json:"detail"`
	}
	if json.Unmarshal(body, &detail) == nil && detail.Detail != nil {
		if s, ok := detail.Detail.(string); ok {
			msg = s
		} else if b, err := json.Marshal(detail.Detail); err == nil {
			msg = string(b)
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return perrors.NewAPIError(serviceName, resp.StatusCode, msg)
}
