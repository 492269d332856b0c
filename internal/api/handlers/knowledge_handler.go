package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/assistant"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const readyCheckTimeout = 2 * time.Second

type KnowledgeHandler struct {
	assistant  Assistant
	cacheCheck func(context.Context) error
}

func NewKnowledgeHandler(a Assistant) *KnowledgeHandler {
	return &KnowledgeHandler{assistant: a}
}

// WithCacheCheck makes Ready fail while check reports an error. A nil check
// is ignored.
func (h *KnowledgeHandler) WithCacheCheck(check func(context.Context) error) *KnowledgeHandler {
	h.cacheCheck = check
	return h
}

func (h *KnowledgeHandler) Search(c *fiber.Ctx) error {
	q := c.Query("q")
	if q == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "q is required",
		})
	}

	res, err := h.assistant.Search(c.UserContext(), q)
	if err != nil {
		if errors.Is(err, assistant.ErrUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Knowledge index unavailable"})
		}
		logger.Error("Knowledge search failed", zap.String("query", q), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Search failed"})
	}

	return c.JSON(fiber.Map{
		"found":     res.Found,
		"content":   res.Content,
		"type":      res.Type,
		"media_url": res.MediaURL,
		"score":     res.Score,
	})
}

func (h *KnowledgeHandler) Reload(c *fiber.Ctx) error {
	n, err := h.assistant.Reload(c.UserContext())
	if err != nil {
		logger.Error("Knowledge reload failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "Reload failed, the previous index is still serving",
			"detail": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message":   "Knowledge base reloaded",
		"documents": n,
	})
}

func (h *KnowledgeHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *KnowledgeHandler) Ready(c *fiber.Ctx) error {
	st := h.assistant.Status()
	if !st.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"error":  st.Error,
		})
	}
	if h.cacheCheck != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), readyCheckTimeout)
		defer cancel()
		if err := h.cacheCheck(ctx); err != nil {
			logger.Warn("Embedding cache unreachable", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  "embedding cache unreachable: " + err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{
		"status":    "ready",
		"documents": st.Documents,
		"built_at":  st.BuiltAt.Unix(),
	})
}
