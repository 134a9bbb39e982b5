package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

type DocumentSource interface {
	Document(id string) (models.Document, error)
}

// DocumentHandler serves the records cited in evidence packages.
type DocumentHandler struct {
	docs DocumentSource
}

func NewDocumentHandler(docs DocumentSource) *DocumentHandler {
	return &DocumentHandler{
		docs: docs,
	}
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.docs.Document(c.Params("id"))
	switch {
	case errors.Is(err, dataset.ErrDocumentNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
			"code":  "not_found",
		})
	case errors.Is(err, dataset.ErrUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "The document index is currently unavailable",
			"code":  "backing_store_unavailable",
		})
	case err != nil:
		logger.Error("Failed to load document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load document",
			"code":  "internal_error",
		})
	}

	fields := doc.Fields
	if fields == nil {
		fields = []models.Field{}
	}

	return c.JSON(fiber.Map{
		"id":               doc.ID,
		"source":           doc.Source,
		"title":            doc.Title,
		"body":             doc.Body,
		"fields":           fields,
		"content_hash":     doc.ContentHash,
		"embedder_version": doc.EmbedderVersion,
		"created_at":       doc.CreatedAt,
	})
}
