package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

// BudgetStore is the read side of the loaded budget dataset.
type BudgetStore interface {
	Summary(fiscalYear string, topN int) (*dataset.BudgetSummary, error)
	Trends(f dataset.Filter) ([]dataset.TrendPoint, error)
	Search(q dataset.SearchQuery) (*dataset.SearchResult, error)
	GroupBy(f dataset.Filter, key func(models.BudgetRecord) string) ([]dataset.Group, error)
}

// SummaryCache holds rendered summaries. Optional.
type SummaryCache interface {
	GetJSON(ctx context.Context, kind, id string, out any) (bool, error)
	SetJSON(ctx context.Context, kind, id string, value any, ttl time.Duration) error
}

type DatasetHandler struct {
	store             BudgetStore
	cache             SummaryCache
	cacheTTL          time.Duration
	defaultFiscalYear string
}

func NewDatasetHandler(store BudgetStore, cache SummaryCache, cacheTTL time.Duration, defaultFiscalYear string) *DatasetHandler {
	return &DatasetHandler{
		store:             store,
		cache:             cache,
		cacheTTL:          cacheTTL,
		defaultFiscalYear: defaultFiscalYear,
	}
}

const (
	summaryCacheKind   = "summary"
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

func (h *DatasetHandler) GetBudgetSummary(c *fiber.Ctx) error {
	fy := c.Query("fiscal_year", h.defaultFiscalYear)
	if !models.IsFiscalYear(fy) {
		return badRequest(c, "Unsupported fiscal year")
	}

	ctx := c.UserContext()
	if h.cache != nil {
		var cached dataset.BudgetSummary
		hit, err := h.cache.GetJSON(ctx, summaryCacheKind, fy, &cached)
		if err != nil {
			logger.Warn("Summary cache read failed", zap.Error(err))
		} else if hit {
			return c.JSON(cached)
		}
	}

	summary, err := h.store.Summary(fy, 10)
	if err != nil {
		return storeError(c, "Failed to build budget summary", err)
	}

	if h.cache != nil {
		if err := h.cache.SetJSON(ctx, summaryCacheKind, fy, summary, h.cacheTTL); err != nil {
			logger.Warn("Summary cache write failed", zap.Error(err))
		}
	}
	return c.JSON(summary)
}

// GetBudgetTrends totals one portfolio or department across every fiscal
// year on record.
func (h *DatasetHandler) GetBudgetTrends(c *fiber.Ctx) error {
	entityType := c.Query("entity_type")
	entityName := strings.TrimSpace(c.Query("entity_name"))
	if entityName == "" {
		return badRequest(c, "entity_type and entity_name parameters are required")
	}

	var f dataset.Filter
	switch entityType {
	case "portfolio":
		f.Portfolio = entityName
	case "department":
		f.Department = entityName
	default:
		return badRequest(c, "entity_type must be portfolio or department")
	}

	points, err := h.store.Trends(f)
	if err != nil {
		return storeError(c, "Failed to build budget trends", err)
	}
	return c.JSON(fiber.Map{
		"entity_type": entityType,
		"entity_name": entityName,
		"trend_data":  points,
	})
}

// SearchBudget filters budget rows for one fiscal year, largest first.
func (h *DatasetHandler) SearchBudget(c *fiber.Ctx) error {
	start := time.Now()

	q := dataset.SearchQuery{
		Text:        c.Query("query"),
		Portfolio:   c.Query("portfolio"),
		Department:  c.Query("department"),
		ExpenseType: c.Query("expense_type"),
		FiscalYear:  c.Query("fiscal_year", h.defaultFiscalYear),
		Limit:       c.QueryInt("limit", defaultSearchLimit),
		Offset:      c.QueryInt("offset", 0),
	}
	if !models.IsFiscalYear(q.FiscalYear) {
		return badRequest(c, "Unsupported fiscal year")
	}
	if q.Limit <= 0 || q.Limit > maxSearchLimit {
		return badRequest(c, fmt.Sprintf("limit must be between 1 and %d", maxSearchLimit))
	}
	if q.Offset < 0 {
		return badRequest(c, "offset must not be negative")
	}

	var err error
	if q.MinAmount, err = amountParam(c, "min_amount"); err != nil {
		return badRequest(c, err.Error())
	}
	if q.MaxAmount, err = amountParam(c, "max_amount"); err != nil {
		return badRequest(c, err.Error())
	}

	res, err := h.store.Search(q)
	if err != nil {
		return storeError(c, "Failed to search budget records", err)
	}
	return c.JSON(fiber.Map{
		"results":       res.Results,
		"total":         res.Total,
		"aggregations":  res.Aggregations,
		"fiscal_year":   q.FiscalYear,
		"query_time_ms": time.Since(start).Milliseconds(),
	})
}

// ListPortfolios returns every portfolio with its total for the fiscal year.
func (h *DatasetHandler) ListPortfolios(c *fiber.Ctx) error {
	return h.listGroups(c, "portfolios", dataset.ByPortfolio)
}

// ListDepartments returns every department with its total for the fiscal year.
func (h *DatasetHandler) ListDepartments(c *fiber.Ctx) error {
	return h.listGroups(c, "departments", dataset.ByDepartment)
}

func (h *DatasetHandler) listGroups(c *fiber.Ctx, name string, key func(models.BudgetRecord) string) error {
	fy := c.Query("fiscal_year", h.defaultFiscalYear)
	if !models.IsFiscalYear(fy) {
		return badRequest(c, "Unsupported fiscal year")
	}

	groups, err := h.store.GroupBy(dataset.Filter{FiscalYear: fy}, key)
	if err != nil {
		return storeError(c, "Failed to list "+name, err)
	}
	if groups == nil {
		groups = []dataset.Group{}
	}
	return c.JSON(fiber.Map{
		"fiscal_year": fy,
		"count":       len(groups),
		name:          groups,
	})
}

func amountParam(c *fiber.Ctx, name string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &d, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"code":  "invalid_request",
	})
}

func storeError(c *fiber.Ctx, msg string, err error) error {
	if errors.Is(err, dataset.ErrUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "The budget dataset is currently unavailable",
			"code":  "backing_store_unavailable",
		})
	}
	logger.Error(msg, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
		"code":  "internal_error",
	})
}
