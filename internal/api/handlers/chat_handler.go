package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/assistant"
	"github.com/Leoris0/MusicProject/internal/middleware/validation"
	"github.com/Leoris0/MusicProject/internal/retrieval"
	"github.com/Leoris0/MusicProject/internal/storage/models"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

// Assistant is the slice of assistant.Service the HTTP surfaces use.
type Assistant interface {
	Ask(ctx context.Context, sessionID, query string) (*assistant.Answer, error)
	Search(ctx context.Context, query string) (retrieval.Result, error)
	Reload(ctx context.Context) (int, error)
	Status() assistant.Status
}

type ConversationLog interface {
	GetRecentConversations(limit int) ([]models.Conversation, error)
}

type ChatHandler struct {
	assistant Assistant
	history   ConversationLog
}

// NewChatHandler accepts a nil history; /chat/history then returns an
// empty list.
func NewChatHandler(a Assistant, history ConversationLog) *ChatHandler {
	return &ChatHandler{
		assistant: a,
		history:   history,
	}
}

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if q, ok := c.Locals(validation.SanitizedQueryKey).(string); ok {
		req.Query = q
	}
	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	answer, err := h.assistant.Ask(c.UserContext(), req.SessionID, req.Query)
	if err != nil {
		status, msg := chatError(err)
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}

	return c.JSON(fiber.Map{
		"id":                  answer.ID,
		"query":               answer.Query,
		"response":            answer.Response,
		"intent":              answer.Intent,
		"attachments":         answer.Attachments,
		"iterations":          answer.ModelCalls,
		"tool_calls":          answer.ToolCalls,
		"iteration_limit_hit": answer.IterationLimitHit,
		"latency_ms":          answer.LatencyMS,
	})
}

// chatError maps assistant failures onto HTTP statuses. Only the two
// caller-visible failure kinds get specific messages.
func chatError(err error) (int, string) {
	switch {
	case errors.Is(err, assistant.ErrUnavailable):
		return fiber.StatusServiceUnavailable, "Assistant is not ready, the knowledge index is unavailable"
	case errors.Is(err, agent.ErrModelFailure):
		return fiber.StatusBadGateway, "The language model failed to respond, please retry"
	default:
		logger.Error("Failed to process chat", zap.Error(err))
		return fiber.StatusInternalServerError, "Failed to process query"
	}
}

func (h *ChatHandler) GetHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	if h.history == nil {
		return c.JSON(fiber.Map{"history": []fiber.Map{}})
	}

	convs, err := h.history.GetRecentConversations(limit)
	if err != nil {
		logger.Error("Failed to load conversation history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	out := make([]fiber.Map, 0, len(convs))
	for _, conv := range convs {
		out = append(out, fiber.Map{
			"id":         conv.ID,
			"session_id": conv.SessionID,
			"query":      conv.Query,
			"intent":     conv.Intent,
			"response":   conv.Response,
			"status":     conv.Status,
			"error":      conv.Error,
			"latency_ms": conv.LatencyMS,
			"created_at": conv.CreatedAt.Unix(),
		})
	}
	return c.JSON(fiber.Map{"history": out})
}
