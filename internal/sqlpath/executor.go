package sqlpath

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/storage/models"
)

// Store is the read-only query surface of the dataset.
type Store interface {
	Select(f dataset.Filter) ([]dataset.Row, error)
	GroupBy(f dataset.Filter, key func(models.BudgetRecord) string) ([]dataset.Group, error)
}

type Row struct {
	Label      string          `json:"label"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage float64         `json:"percentage"`
}

type Result struct {
	Operation     intent.Aggregation `json:"operation"`
	FiscalYear    string             `json:"fiscal_year"`
	Summary       string             `json:"summary"`
	Total         decimal.Decimal    `json:"total"`
	Breakdown     []Row              `json:"breakdown"`
	RecordCount   int                `json:"record_count"`
	ExecutedQuery string             `json:"executed_query"`
}

type Config struct {
	DefaultFiscalYear string
	DefaultTopN       int
}

// Executor runs aggregations against the dataset. It performs no I/O beyond
// the in-memory store and is deterministic for a given intent.
type Executor struct {
	store Store
	cfg   Config
}

func NewExecutor(store Store, cfg Config) *Executor {
	if cfg.DefaultFiscalYear == "" {
		cfg.DefaultFiscalYear = "2024-25"
	}
	if cfg.DefaultTopN <= 0 {
		cfg.DefaultTopN = 10
	}
	return &Executor{store: store, cfg: cfg}
}

// Execute fails only when the store is unavailable; filters that match
// nothing produce an empty result.
func (e *Executor) Execute(in intent.QueryIntent) (*Result, error) {
	ent := in.Entities
	f := dataset.Filter{
		Portfolio:  ent.Portfolio,
		Department: ent.Department,
		Program:    ent.Program,
		FiscalYear: ent.FiscalYear,
	}
	if f.FiscalYear == "" {
		f.FiscalYear = e.cfg.DefaultFiscalYear
	}

	op := ent.Aggregation
	if op == "" {
		op = intent.AggSum
	}

	var (
		res *Result
		err error
	)
	switch op {
	case intent.AggMean:
		res, err = e.mean(f)
	case intent.AggTop:
		res, err = e.top(f, e.topN(ent.TopN), ent.Ascending)
	case intent.AggCompare:
		if len(ent.CompareTargets) > 0 {
			res, err = e.compareTargets(f, ent.CompareTargets)
		} else {
			res, err = e.compareGroups(f, e.topN(ent.TopN))
		}
	case intent.AggCount:
		res, err = e.count(f)
	default:
		op = intent.AggSum
		res, err = e.sum(f)
	}
	if err != nil {
		return nil, err
	}

	res.Operation = op
	res.FiscalYear = f.FiscalYear
	if res.RecordCount == 0 {
		res.Breakdown = []Row{}
		res.Total = decimal.Zero
		res.Summary = fmt.Sprintf("No budget records match %s in %s.", scope(f), f.FiscalYear)
	} else {
		assignPercentages(res.Breakdown)
	}
	return res, nil
}

func (e *Executor) topN(n int) int {
	if n <= 0 {
		return e.cfg.DefaultTopN
	}
	return n
}

func (e *Executor) sum(f dataset.Filter) (*Result, error) {
	rows, err := e.store.Select(f)
	if err != nil {
		return nil, err
	}
	total := sumRows(rows)
	return &Result{
		Total:         total,
		Breakdown:     recordRows(rows),
		RecordCount:   len(rows),
		ExecutedQuery: renderAggregate("SUM", f),
		Summary: fmt.Sprintf("Total budget for %s in %s: %s across %s.",
			scope(f), f.FiscalYear, FormatAUD(total), plural(len(rows), "record")),
	}, nil
}

func (e *Executor) mean(f dataset.Filter) (*Result, error) {
	rows, err := e.store.Select(f)
	if err != nil {
		return nil, err
	}
	mean := decimal.Zero
	if len(rows) > 0 {
		mean = sumRows(rows).Div(decimal.NewFromInt(int64(len(rows))))
	}
	return &Result{
		Total:         mean,
		Breakdown:     recordRows(rows),
		RecordCount:   len(rows),
		ExecutedQuery: renderAggregate("AVG", f),
		Summary: fmt.Sprintf("Average allocation for %s in %s: %s across %s.",
			scope(f), f.FiscalYear, FormatAUD(mean), plural(len(rows), "record")),
	}, nil
}

func (e *Executor) count(f dataset.Filter) (*Result, error) {
	rows, err := e.store.Select(f)
	if err != nil {
		return nil, err
	}
	return &Result{
		Total:         sumRows(rows),
		Breakdown:     recordRows(rows),
		RecordCount:   len(rows),
		ExecutedQuery: renderAggregate("COUNT", f),
		Summary: fmt.Sprintf("Found %s for %s in %s.",
			plural(len(rows), "budget record"), scope(f), f.FiscalYear),
	}, nil
}

func (e *Executor) top(f dataset.Filter, n int, ascending bool) (*Result, error) {
	rows, err := e.store.Select(f)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if ascending {
			return rows[i].Amount.LessThan(rows[j].Amount)
		}
		return rows[i].Amount.GreaterThan(rows[j].Amount)
	})
	if len(rows) > n {
		rows = rows[:n]
	}

	direction := "Top"
	if ascending {
		direction = "Lowest"
	}
	total := sumRows(rows)
	return &Result{
		Total:         total,
		Breakdown:     recordRows(rows),
		RecordCount:   len(rows),
		ExecutedQuery: renderTop(f, n, ascending),
		Summary: fmt.Sprintf("%s %d programs for %s in %s together total %s.",
			direction, len(rows), scope(f), f.FiscalYear, FormatAUD(total)),
	}, nil
}

// compareTargets sums each named entity; a target matches a record when it
// names the record's portfolio, department or program.
func (e *Executor) compareTargets(f dataset.Filter, targets []string) (*Result, error) {
	rows, err := e.store.Select(dataset.Filter{FiscalYear: f.FiscalYear})
	if err != nil {
		return nil, err
	}

	breakdown := make([]Row, 0, len(targets))
	counted := make(map[string]struct{})
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		amount := decimal.Zero
		for _, r := range rows {
			if !namesRecord(target, r.Record) {
				continue
			}
			amount = amount.Add(r.Amount)
			counted[r.Record.ID] = struct{}{}
		}
		breakdown = append(breakdown, Row{Label: target, Amount: amount})
		parts = append(parts, fmt.Sprintf("%s %s", target, FormatAUD(amount)))
	}

	return &Result{
		Total:         sumBreakdown(breakdown),
		Breakdown:     breakdown,
		RecordCount:   len(counted),
		ExecutedQuery: renderCompare(f.FiscalYear, targets),
		Summary:       fmt.Sprintf("Comparison for %s: %s.", f.FiscalYear, strings.Join(parts, "; ")),
	}, nil
}

func (e *Executor) compareGroups(f dataset.Filter, n int) (*Result, error) {
	groups, err := e.store.GroupBy(f, dataset.ByPortfolio)
	if err != nil {
		return nil, err
	}
	if len(groups) > n {
		groups = groups[:n]
	}

	breakdown := make([]Row, 0, len(groups))
	count := 0
	for _, g := range groups {
		breakdown = append(breakdown, Row{Label: g.Name, Amount: g.Amount})
		count += g.Count
	}
	total := sumBreakdown(breakdown)
	return &Result{
		Total:         total,
		Breakdown:     breakdown,
		RecordCount:   count,
		ExecutedQuery: renderGroupCompare(f, n),
		Summary: fmt.Sprintf("Largest %s in %s together total %s.",
			plural(len(groups), "portfolio"), f.FiscalYear, FormatAUD(total)),
	}, nil
}

func namesRecord(target string, r models.BudgetRecord) bool {
	return strings.EqualFold(target, r.Portfolio) ||
		strings.EqualFold(target, r.Department) ||
		strings.EqualFold(target, r.Program)
}

func recordRows(rows []dataset.Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			Label:  fmt.Sprintf("%s - %s", r.Record.Department, r.Record.Program),
			Amount: r.Amount,
		})
	}
	return out
}

func sumRows(rows []dataset.Row) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total
}

func sumBreakdown(rows []Row) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total
}

func scope(f dataset.Filter) string {
	var parts []string
	for _, p := range []string{f.Portfolio, f.Department, f.Program} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "all portfolios"
	}
	return strings.Join(parts, " / ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
