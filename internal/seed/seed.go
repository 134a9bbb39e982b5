// Package seed imports budget and business records from YAML fixtures.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

type Store interface {
	InsertBudgetRecord(ctx context.Context, record *models.BudgetRecord) error
	InsertBusinessRecord(ctx context.Context, record *models.BusinessRecord) error
}

type budgetRow struct {
	ID          string            `yaml:"id"`
	Portfolio   string            `yaml:"portfolio"`
	Department  string            `yaml:"department"`
	Program     string            `yaml:"program"`
	ExpenseType string            `yaml:"expense_type"`
	Amounts     map[string]string `yaml:"amounts"`
}

type businessRow struct {
	ID          string         `yaml:"id"`
	Source      string         `yaml:"source"`
	RecordType  string         `yaml:"record_type"`
	Department  string         `yaml:"department"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Fields      []models.Field `yaml:"fields"`
}

type Fixtures struct {
	Budget   []models.BudgetRecord
	Business []models.BusinessRecord
}

func LoadFile(path string) (*Fixtures, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a fixture file. Amounts are decimal strings
// keyed by fiscal year label.
func Parse(raw []byte) (*Fixtures, error) {
	var doc struct {
		BudgetRecords   []budgetRow   `yaml:"budget_records"`
		BusinessRecords []businessRow `yaml:"business_records"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fixtures: %w", err)
	}

	f := &Fixtures{}
	seen := make(map[string]struct{})
	for _, row := range doc.BudgetRecords {
		if row.ID == "" {
			return nil, fmt.Errorf("budget record without id (portfolio %q)", row.Portfolio)
		}
		if _, dup := seen[row.ID]; dup {
			return nil, fmt.Errorf("duplicate budget record id %q", row.ID)
		}
		seen[row.ID] = struct{}{}

		amounts := make(map[string]decimal.Decimal, len(row.Amounts))
		for fy, s := range row.Amounts {
			if !models.IsFiscalYear(fy) {
				return nil, fmt.Errorf("record %s: unknown fiscal year %q", row.ID, fy)
			}
			d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
			if err != nil {
				return nil, fmt.Errorf("record %s: invalid amount for %s: %w", row.ID, fy, err)
			}
			amounts[fy] = d
		}

		f.Budget = append(f.Budget, models.BudgetRecord{
			ID:          row.ID,
			Portfolio:   strings.TrimSpace(row.Portfolio),
			Department:  strings.TrimSpace(row.Department),
			Program:     strings.TrimSpace(row.Program),
			ExpenseType: models.ParseExpenseType(row.ExpenseType),
			Amounts:     amounts,
		})
	}

	for _, row := range doc.BusinessRecords {
		source := models.RecordSource(row.Source)
		if !source.Valid() {
			return nil, fmt.Errorf("record %s: unknown source %q", row.ID, row.Source)
		}
		if row.ID == "" {
			return nil, fmt.Errorf("%s record without id", row.Source)
		}
		f.Business = append(f.Business, models.BusinessRecord{
			ID:          row.ID,
			Source:      source,
			RecordType:  row.RecordType,
			Department:  row.Department,
			Title:       row.Title,
			Description: row.Description,
			Fields:      row.Fields,
		})
	}

	return f, nil
}

// Apply writes the fixtures. Budget records already present are left as
// they are; business records are updated in place.
func (f *Fixtures) Apply(ctx context.Context, store Store) error {
	now := time.Now()
	for i := range f.Budget {
		if err := store.InsertBudgetRecord(ctx, &f.Budget[i]); err != nil {
			return err
		}
	}
	for i := range f.Business {
		rec := f.Business[i]
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if err := store.InsertBusinessRecord(ctx, &rec); err != nil {
			return err
		}
	}

	logger.Info("Fixtures applied",
		zap.Int("budget_records", len(f.Budget)),
		zap.Int("business_records", len(f.Business)),
	)
	return nil
}
