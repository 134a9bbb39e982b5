package dataset

import (
	"github.com/shopspring/decimal"

	"github.com/govbudget/backend/internal/storage/models"
)

type BudgetSummary struct {
	FiscalYear       string          `json:"fiscal_year"`
	TotalBudget      decimal.Decimal `json:"total_budget"`
	RecordCount      int             `json:"record_count"`
	PortfolioCount   int             `json:"portfolio_count"`
	DepartmentCount  int             `json:"department_count"`
	TopPortfolios    []Group         `json:"top_portfolios"`
	ExpenseBreakdown []Group         `json:"expense_breakdown"`
	// PreviousYear is empty when fiscalYear is the first year on record.
	PreviousYear    string          `json:"previous_year,omitempty"`
	PreviousTotal   decimal.Decimal `json:"previous_total"`
	ChangePercent   decimal.Decimal `json:"change_percent"`
	HasPreviousYear bool            `json:"has_previous_year"`
}

// Summary aggregates the whole dataset for one fiscal year, the figures shown
// on the budget dashboard.
func (s *Store) Summary(fiscalYear string, topN int) (*BudgetSummary, error) {
	f := Filter{FiscalYear: fiscalYear}

	total, count, err := s.Sum(f)
	if err != nil {
		return nil, err
	}
	portfolios, err := s.GroupBy(f, ByPortfolio)
	if err != nil {
		return nil, err
	}
	departments, err := s.GroupBy(f, ByDepartment)
	if err != nil {
		return nil, err
	}
	expenses, err := s.GroupBy(f, ByExpenseType)
	if err != nil {
		return nil, err
	}

	summary := &BudgetSummary{
		FiscalYear:       fiscalYear,
		TotalBudget:      total,
		RecordCount:      count,
		PortfolioCount:   len(portfolios),
		DepartmentCount:  len(departments),
		ExpenseBreakdown: expenses,
	}
	if topN > 0 && len(portfolios) > topN {
		portfolios = portfolios[:topN]
	}
	summary.TopPortfolios = portfolios

	if prev := previousYear(fiscalYear); prev != "" {
		prevTotal, prevCount, err := s.Sum(Filter{FiscalYear: prev})
		if err != nil {
			return nil, err
		}
		if prevCount > 0 {
			summary.PreviousYear = prev
			summary.PreviousTotal = prevTotal
			summary.HasPreviousYear = true
			if !prevTotal.IsZero() {
				summary.ChangePercent = total.Sub(prevTotal).Div(prevTotal).Mul(decimal.NewFromInt(100)).Round(1)
			}
		}
	}

	return summary, nil
}

func previousYear(fiscalYear string) string {
	for i, fy := range models.FiscalYears {
		if fy == fiscalYear && i > 0 {
			return models.FiscalYears[i-1]
		}
	}
	return ""
}
