package viewapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/assistant-client/internal/chat"
	"github.com/p-blackswan/assistant-client/internal/conn"
	perrors "github.com/p-blackswan/assistant-client/internal/errors"
	"github.com/p-blackswan/assistant-client/internal/health"
	"github.com/p-blackswan/assistant-client/pkg/transcript"
)

// Conversation is the chat surface the view drives. *chat.Orchestrator
// satisfies it.
type Conversation interface {
	Submit(ctx context.Context, text string) error
	Cancel() bool
	Active() bool
	Messages() []chat.Message
	LoadHistory(ctx context.Context) (int, error)
	ClearHistory(ctx context.Context) error
}

// Connection reports duplex state. *conn.Manager satisfies it.
type Connection interface {
	State() conn.State
}

// TransportControl exposes the transport demotion flag.
// *transport.Selector satisfies it.
type TransportControl interface {
	Demoted() bool
	Promote()
}

// TranscriptReader reads the local transcript. *transcript.Store satisfies it.
type TranscriptReader interface {
	Recent(ctx context.Context, limit int) ([]transcript.Entry, error)
}

// Deps groups what the handlers serve.
type Deps struct {
	Conversation Conversation
	Connection   Connection
	Transport    TransportControl
	Transcript   TranscriptReader // optional
	Checker      *health.Checker
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	return &Handlers{
		deps:      deps,
		logger:    logger.With().Str("component", "view_handlers").Logger(),
		startTime: time.Now(),
	}
}

// ListMessages handles GET /v1/messages.
func (h *Handlers) ListMessages(c *fiber.Ctx) error {
	return c.JSON(MessagesResponse{
		Messages: h.deps.Conversation.Messages(),
		Active:   h.deps.Conversation.Active(),
	})
}

// SubmitMessage handles POST /v1/messages.
func (h *Handlers) SubmitMessage(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Request body must be JSON with a text field")
	}

	if err := h.deps.Conversation.Submit(c.UserContext(), req.Text); err != nil {
		return submitProblem(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SubmitResponse{Status: "accepted"})
}

func submitProblem(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrEmptyMessage):
		return problemResponse(c, fiber.StatusBadRequest, "empty_message", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrAuthRequired):
		return problemResponse(c, fiber.StatusUnauthorized, "auth_required", "Unauthorized",
			"No fresh credential is available; sign in again")
	case errors.Is(err, perrors.ErrSessionActive):
		return problemResponse(c, fiber.StatusConflict, "session_active", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrRateLimited):
		return problemResponse(c, fiber.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
			"Too many messages. Please wait before sending another.")
	}
	return err
}

// Cancel handles POST /v1/cancel.
func (h *Handlers) Cancel(c *fiber.Ctx) error {
	h.deps.Conversation.Cancel()
	return c.SendStatus(fiber.StatusNoContent)
}

// LoadHistory handles POST /v1/history/load.
func (h *Handlers) LoadHistory(c *fiber.Ctx) error {
	n, err := h.deps.Conversation.LoadHistory(c.UserContext())
	if err != nil {
		return historyProblem(c, err)
	}
	return c.JSON(HistoryResponse{Loaded: n})
}

// ClearHistory handles DELETE /v1/messages.
func (h *Handlers) ClearHistory(c *fiber.Ctx) error {
	if err := h.deps.Conversation.ClearHistory(c.UserContext()); err != nil {
		return historyProblem(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func historyProblem(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrAuthRequired):
		return problemResponse(c, fiber.StatusUnauthorized, "auth_required", "Unauthorized", err.Error())
	case errors.Is(err, perrors.ErrSessionActive):
		return problemResponse(c, fiber.StatusConflict, "session_active", "Conflict", err.Error())
	}
	return problemResponse(c, fiber.StatusBadGateway, "backend_error", "Bad Gateway", err.Error())
}

// Connection handles GET /v1/connection.
func (h *Handlers) Connection(c *fiber.Ctx) error {
	resp := ConnectionResponse{
		State:   h.deps.Connection.State().String(),
		Demoted: h.deps.Transport.Demoted(),
	}
	if h.deps.Checker != nil {
		if checks := h.deps.Checker.Last(); len(checks) > 0 {
			resp.Checks = checks
		}
	}
	return c.JSON(resp)
}

// Promote handles POST /v1/transport/promote.
func (h *Handlers) Promote(c *fiber.Ctx) error {
	h.deps.Transport.Promote()
	return c.SendStatus(fiber.StatusNoContent)
}

// Transcript handles GET /v1/transcript.
func (h *Handlers) Transcript(c *fiber.Ctx) error {
	if h.deps.Transcript == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"transcript_disabled", "Not Found",
			"No local transcript is configured")
	}
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request",
			"limit must be between 1 and 500")
	}
	entries, err := h.deps.Transcript.Recent(c.UserContext(), limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return c.JSON(TranscriptResponse{Entries: entries, Count: len(entries)})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.deps.Checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	ok, body := h.deps.Checker.Report(c.UserContext())
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}
