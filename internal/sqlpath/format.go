package sqlpath

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/govbudget/backend/internal/dataset"
)

var tenthsPerWhole = decimal.NewFromInt(1000)

// assignPercentages sets each row's share of the breakdown total, rounded to
// one decimal with the largest-remainder method so the rows add up to
// exactly 100.0. A zero total yields 0 for every row.
func assignPercentages(rows []Row) {
	total := sumBreakdown(rows)
	if len(rows) == 0 || total.IsZero() {
		for i := range rows {
			rows[i].Percentage = 0
		}
		return
	}

	for _, r := range rows {
		if r.Amount.IsNegative() || !total.IsPositive() {
			// Shares are not a partition with mixed signs; round independently.
			for i := range rows {
				rows[i].Percentage = rows[i].Amount.Div(total).Mul(decimal.NewFromInt(100)).Round(1).InexactFloat64()
			}
			return
		}
	}

	type share struct {
		index     int
		tenths    int64
		remainder decimal.Decimal
	}
	shares := make([]share, len(rows))
	var allotted int64
	for i, r := range rows {
		exact := r.Amount.Mul(tenthsPerWhole).Div(total)
		floor := exact.Floor()
		shares[i] = share{index: i, tenths: floor.IntPart(), remainder: exact.Sub(floor)}
		allotted += floor.IntPart()
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return shares[order[a]].remainder.GreaterThan(shares[order[b]].remainder)
	})
	for k := int64(0); k < 1000-allotted && int(k) < len(order); k++ {
		shares[order[k]].tenths++
	}

	for _, s := range shares {
		rows[s.index].Percentage = float64(s.tenths) / 10
	}
}

// FormatAUD renders an amount as dollars with thousands separators, e.g.
// $35,000,000 or $1,234.50.
func FormatAUD(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}

	var whole, cents string
	if d.Equal(d.Truncate(0)) {
		whole = d.Truncate(0).String()
	} else {
		s := d.StringFixed(2)
		dot := strings.IndexByte(s, '.')
		whole, cents = s[:dot], s[dot:]
	}

	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + "$" + b.String() + cents
}

func amountColumn(fiscalYear string) string {
	return "amount_" + strings.ReplaceAll(fiscalYear, "-", "_")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(strings.ToLower(s), "'", "''") + "'"
}

func whereClause(f dataset.Filter) string {
	col := amountColumn(f.FiscalYear)
	var conds []string
	if f.Portfolio != "" {
		conds = append(conds, "LOWER(portfolio) = "+quote(f.Portfolio))
	}
	if f.Department != "" {
		conds = append(conds, "LOWER(department) = "+quote(f.Department))
	}
	if f.Program != "" {
		conds = append(conds, "LOWER(program) = "+quote(f.Program))
	}
	conds = append(conds, col+" IS NOT NULL")
	return "WHERE " + strings.Join(conds, " AND ")
}

// The render functions describe each aggregation as SQL for the evidence
// panel. The statements are never executed.

func renderAggregate(fn string, f dataset.Filter) string {
	col := amountColumn(f.FiscalYear)
	arg := col
	if fn == "COUNT" {
		arg = "*"
	}
	return fmt.Sprintf("SELECT %s(%s) AS value, COUNT(*) AS record_count FROM budget_records %s",
		fn, arg, whereClause(f))
}

func renderTop(f dataset.Filter, n int, ascending bool) string {
	col := amountColumn(f.FiscalYear)
	dir := "DESC"
	if ascending {
		dir = "ASC"
	}
	return fmt.Sprintf("SELECT department, program, %s FROM budget_records %s ORDER BY %s %s, seq ASC LIMIT %d",
		col, whereClause(f), col, dir, n)
}

func renderCompare(fiscalYear string, targets []string) string {
	col := amountColumn(fiscalYear)
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		q := quote(t)
		parts = append(parts, fmt.Sprintf(
			"SELECT %s AS target, SUM(%s) AS total FROM budget_records WHERE (LOWER(portfolio) = %s OR LOWER(department) = %s OR LOWER(program) = %s) AND %s IS NOT NULL",
			q, col, q, q, q, col))
	}
	return strings.Join(parts, " UNION ALL ")
}

func renderGroupCompare(f dataset.Filter, n int) string {
	col := amountColumn(f.FiscalYear)
	return fmt.Sprintf("SELECT portfolio, SUM(%s) AS total FROM budget_records %s GROUP BY portfolio ORDER BY total DESC, portfolio ASC LIMIT %d",
		col, whereClause(f), n)
}
