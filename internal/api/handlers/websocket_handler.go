package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/middleware/validation"
	"github.com/govbudget/backend/internal/query"
	"github.com/govbudget/backend/pkg/logger"
)

type WebSocketHandler struct {
	queryEngine    QueryProcessor
	maxQueryLength int
	queryTimeout   time.Duration
}

func NewWebSocketHandler(queryEngine QueryProcessor, maxQueryLength int, queryTimeout time.Duration) *WebSocketHandler {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &WebSocketHandler{
		queryEngine:    queryEngine,
		maxQueryLength: maxQueryLength,
		queryTimeout:   queryTimeout,
	}
}

type wsMessage struct {
	Type      string            `json:"type"`
	Text      string            `json:"text"`
	SessionID string            `json:"session_id"`
	Context   map[string]string `json:"context"`
}

// wsConn is the part of *websocket.Conn the read loop uses.
type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
}

// transportError is a failed write on the connection. The peer is gone, so
// nothing more is sent.
type transportError struct{ err error }

func (e *transportError) Error() string { return "websocket write: " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	connSession := uuid.New().String()
	logger.Info("WebSocket connection established", zap.String("session_id", connSession))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("session_id", connSession))
	}()

	h.serve(c, connSession)
}

func (h *WebSocketHandler) serve(c wsConn, connSession string) {
	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" {
			continue
		}
		if msg.SessionID == "" {
			msg.SessionID = connSession
		}

		err := h.streamResponse(c, msg)
		if err == nil {
			continue
		}
		var te *transportError
		if errors.As(err, &te) {
			logger.Warn("WebSocket write failed, dropping connection",
				zap.String("session_id", msg.SessionID),
				zap.Error(err),
			)
			return
		}

		logger.Error("Failed to stream response", zap.Error(err))
		if query.IsFatal(err) {
			err = h.sendError(c, "The budget dataset is currently unavailable", "backing_store_unavailable")
		} else {
			err = h.sendError(c, "Failed to process query", "internal_error")
		}
		if err != nil {
			logger.Warn("WebSocket write failed, dropping connection", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamResponse(c wsConn, msg wsMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.queryTimeout)
	defer cancel()

	if err := h.send(c, "status", "Processing query..."); err != nil {
		return err
	}

	response, err := h.queryEngine.ProcessQuery(ctx, query.QueryRequest{
		Text:      validation.Sanitize(msg.Text, h.maxQueryLength),
		SessionID: msg.SessionID,
		Context:   msg.Context,
	})
	if err != nil {
		return err
	}

	words := splitIntoWords(response.AnswerText)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.send(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return h.write(c, map[string]interface{}{
		"type":             "complete",
		"session_id":       msg.SessionID,
		"route":            response.Route,
		"evidence_package": response.Evidence,
		"trust_score":      response.TrustScore,
		"trust_level":      response.TrustLevel,
		"degraded":         response.Degraded,
	})
}

func (h *WebSocketHandler) send(c wsConn, msgType, content string) error {
	return h.write(c, map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c wsConn, errorMsg, code string) error {
	return h.write(c, map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
		"code":  code,
	})
}

func (h *WebSocketHandler) write(c wsConn, frame map[string]interface{}) error {
	if err := c.WriteJSON(frame); err != nil {
		return &transportError{err: err}
	}
	return nil
}

// splitIntoWords splits on spaces and keeps line breaks as their own
// tokens so the client can rebuild the layout.
func splitIntoWords(text string) []string {
	words := []string{}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
