package handlers

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/middleware/validation"
	"github.com/govbudget/backend/internal/query"
	"github.com/govbudget/backend/pkg/logger"
)

// QueryProcessor answers one natural-language question.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, req query.QueryRequest) (*query.QueryResponse, error)
}

type QueryHandler struct {
	queryEngine QueryProcessor
}

func NewQueryHandler(queryEngine QueryProcessor) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	req, ok := c.Locals(validation.LocalsKey).(validation.QueryRequest)
	if !ok {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			logger.Warn("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
				"code":  "invalid_request",
			})
		}
	}

	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	response, err := h.queryEngine.ProcessQuery(c.UserContext(), query.QueryRequest{
		Text:      req.Text,
		SessionID: req.SessionID,
		Context:   req.Context,
	})
	if err != nil {
		return queryError(c, err)
	}

	return c.JSON(fiber.Map{
		"session_id":       req.SessionID,
		"route":            response.Route,
		"answer_text":      response.AnswerText,
		"evidence_package": response.Evidence,
		"trust_score":      response.TrustScore,
		"trust_level":      response.TrustLevel,
		"intent":           response.Intent,
		"sql_result":       response.SQL,
		"rag_result":       response.RAG,
		"degraded":         response.Degraded,
	})
}

func queryError(c *fiber.Ctx, err error) error {
	if query.IsFatal(err) {
		logger.Error("Backing store unavailable", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "The budget dataset is currently unavailable",
			"code":  "backing_store_unavailable",
		})
	}
	logger.Error("Failed to process query", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to process query",
		"code":  "internal_error",
	})
}
