package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/evidence"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/storage/sqlite"
	"github.com/govbudget/backend/pkg/logger"
)

type AuditStore interface {
	GetEvidence(ctx context.Context, auditID string) (*models.EvidenceRecord, error)
	ListEvidence(ctx context.Context, sessionID string, limit int) ([]models.EvidenceRecord, error)
}

type AuditHandler struct {
	store AuditStore
}

func NewAuditHandler(store AuditStore) *AuditHandler {
	return &AuditHandler{store: store}
}

type auditEntry struct {
	SessionID  string            `json:"session_id"`
	AnswerText string            `json:"answer_text"`
	Evidence   *evidence.Package `json:"evidence_package"`
}

func entryOf(r models.EvidenceRecord) auditEntry {
	return auditEntry{
		SessionID:  r.SessionID,
		AnswerText: r.AnswerText,
		Evidence:   evidence.FromRecord(r),
	}
}

func (h *AuditHandler) GetAudit(c *fiber.Ctx) error {
	record, err := h.store.GetEvidence(c.UserContext(), c.Params("audit_id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Audit record not found",
			"code":  "not_found",
		})
	}
	if err != nil {
		logger.Error("Failed to load audit record", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load audit record",
			"code":  "internal_error",
		})
	}

	return c.JSON(entryOf(*record))
}

func (h *AuditHandler) ListAudit(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	records, err := h.store.ListEvidence(c.UserContext(), c.Query("session_id"), limit)
	if err != nil {
		logger.Error("Failed to list audit records", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list audit records",
			"code":  "internal_error",
		})
	}

	entries := make([]auditEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, entryOf(r))
	}
	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}
