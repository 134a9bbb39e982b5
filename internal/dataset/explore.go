package dataset

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/govbudget/backend/internal/storage/models"
)

// TrendPoint is one fiscal year of a multi-year trend. YearOverYearChange is
// the percentage change from the previous point, zero for the first point
// and when the previous total is zero.
type TrendPoint struct {
	FiscalYear         string          `json:"fiscal_year"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	RecordCount        int             `json:"record_count"`
	YearOverYearChange decimal.Decimal `json:"year_over_year_change"`
}

// Trends totals the records matching f in every fiscal year on record,
// oldest first. f.FiscalYear is ignored.
func (s *Store) Trends(f Filter) ([]TrendPoint, error) {
	points := make([]TrendPoint, 0, len(models.FiscalYears))
	for _, fy := range models.FiscalYears {
		f.FiscalYear = fy
		total, n, err := s.Sum(f)
		if err != nil {
			return nil, err
		}
		p := TrendPoint{FiscalYear: fy, TotalAmount: total, RecordCount: n}
		if len(points) > 0 {
			prev := points[len(points)-1].TotalAmount
			if !prev.IsZero() {
				p.YearOverYearChange = total.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
			}
		}
		points = append(points, p)
	}
	return points, nil
}

// SearchQuery filters budget rows for one fiscal year. Text matches a
// substring of the portfolio, department or program; Portfolio and
// Department match substrings; ExpenseType matches exactly. All matching
// ignores case.
type SearchQuery struct {
	Text        string
	Portfolio   string
	Department  string
	ExpenseType string
	FiscalYear  string
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
	Limit       int
	Offset      int
}

type SearchHit struct {
	ID          string          `json:"id"`
	Portfolio   string          `json:"portfolio"`
	Department  string          `json:"department"`
	Program     string          `json:"program"`
	ExpenseType string          `json:"expense_type"`
	FiscalYear  string          `json:"fiscal_year"`
	Amount      decimal.Decimal `json:"amount"`
}

type SearchAggregations struct {
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PortfolioCount  int             `json:"portfolio_count"`
	DepartmentCount int             `json:"department_count"`
}

// SearchResult holds one page of hits. Total and Aggregations cover every
// match, not just the page.
type SearchResult struct {
	Results      []SearchHit        `json:"results"`
	Total        int                `json:"total"`
	Aggregations SearchAggregations `json:"aggregations"`
}

// Search returns matching rows by amount descending; equal amounts keep
// import order. A non-positive Limit returns every match from Offset on.
func (s *Store) Search(q SearchQuery) (*SearchResult, error) {
	rows, err := s.Select(Filter{FiscalYear: q.FiscalYear})
	if err != nil {
		return nil, err
	}

	text := strings.ToLower(strings.TrimSpace(q.Text))
	var matched []Row
	for _, r := range rows {
		rec := r.Record
		if text != "" && !containsFold(rec.Portfolio, text) && !containsFold(rec.Department, text) && !containsFold(rec.Program, text) {
			continue
		}
		if !containsFold(rec.Portfolio, q.Portfolio) || !containsFold(rec.Department, q.Department) {
			continue
		}
		if !matchField(q.ExpenseType, string(rec.ExpenseType)) {
			continue
		}
		if q.MinAmount != nil && r.Amount.LessThan(*q.MinAmount) {
			continue
		}
		if q.MaxAmount != nil && r.Amount.GreaterThan(*q.MaxAmount) {
			continue
		}
		matched = append(matched, r)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Amount.GreaterThan(matched[j].Amount)
	})

	out := &SearchResult{Results: []SearchHit{}, Total: len(matched)}
	portfolios := make(map[string]struct{})
	departments := make(map[string]struct{})
	out.Aggregations.TotalAmount = decimal.Zero
	for _, r := range matched {
		out.Aggregations.TotalAmount = out.Aggregations.TotalAmount.Add(r.Amount)
		portfolios[r.Record.Portfolio] = struct{}{}
		departments[r.Record.Department] = struct{}{}
	}
	out.Aggregations.PortfolioCount = len(portfolios)
	out.Aggregations.DepartmentCount = len(departments)

	page := matched
	if q.Offset > 0 {
		if q.Offset >= len(page) {
			page = nil
		} else {
			page = page[q.Offset:]
		}
	}
	if q.Limit > 0 && len(page) > q.Limit {
		page = page[:q.Limit]
	}
	for _, r := range page {
		out.Results = append(out.Results, SearchHit{
			ID:          r.Record.ID,
			Portfolio:   r.Record.Portfolio,
			Department:  r.Record.Department,
			Program:     r.Record.Program,
			ExpenseType: string(r.Record.ExpenseType),
			FiscalYear:  q.FiscalYear,
			Amount:      r.Amount,
		})
	}
	return out, nil
}

func containsFold(s, sub string) bool {
	sub = strings.TrimSpace(sub)
	return sub == "" || strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
