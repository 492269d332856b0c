package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/assistant"
	"github.com/Leoris0/MusicProject/internal/middleware/validation"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const chunkRunes = 4

type WebSocketHandler struct {
	assistant Assistant
	timeout   time.Duration
	// chunkDelay paces chunks for a typing effect; zero sends them at once.
	chunkDelay time.Duration
}

func NewWebSocketHandler(a Assistant, timeout, chunkDelay time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebSocketHandler{
		assistant:  a,
		timeout:    timeout,
		chunkDelay: chunkDelay,
	}
}

type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "query" {
			continue
		}
		if msg.Content == "" || validation.ContainsXSS(msg.Content) {
			h.sendError(c, "Invalid query content")
			continue
		}

		if err := h.streamResponse(c, msg); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			_, text := chatError(err)
			h.sendError(c, text)
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, msg wsMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.sendFrame(c, "status", "正在思考..."); err != nil {
		return err
	}

	answer, err := h.assistant.Ask(ctx, msg.SessionID, msg.Content)
	if err != nil {
		return err
	}

	for _, chunk := range splitChunks(answer.Response, chunkRunes) {
		if err := h.sendFrame(c, "chunk", chunk); err != nil {
			return err
		}
		if h.chunkDelay > 0 {
			time.Sleep(h.chunkDelay)
		}
	}

	return h.sendComplete(c, answer)
}

func (h *WebSocketHandler) sendFrame(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]any{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, answer *assistant.Answer) error {
	return c.WriteJSON(map[string]any{
		"type":        "complete",
		"message_id":  answer.ID,
		"intent":      answer.Intent,
		"attachments": answer.Attachments,
		"iterations":  answer.ModelCalls,
		"latency_ms":  answer.LatencyMS,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	_ = c.WriteJSON(map[string]any{
		"type":  "error",
		"error": errorMsg,
	})
}

// splitChunks cuts text into pieces of at most n runes. Newlines always
// travel as their own chunk so clients can render Markdown line by line.
func splitChunks(text string, n int) []string {
	var chunks []string
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}

	for _, r := range text {
		if r == '\n' {
			flush()
			chunks = append(chunks, "\n")
			continue
		}
		cur = append(cur, r)
		if len(cur) == n {
			flush()
		}
	}
	flush()

	return chunks
}
