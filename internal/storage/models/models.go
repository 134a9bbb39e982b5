package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ExpenseType string

const (
	ExpenseDepartmental         ExpenseType = "Departmental Expenses"
	ExpenseAdministered         ExpenseType = "Administered Expenses"
	ExpenseAdministeredCapital  ExpenseType = "Administered Capital"
	ExpenseSpecialAppropriation ExpenseType = "Special Appropriation"
	ExpenseOther                ExpenseType = "Other"
)

// ParseExpenseType maps free text onto the closed set, defaulting to Other.
func ParseExpenseType(s string) ExpenseType {
	for _, t := range []ExpenseType{
		ExpenseDepartmental,
		ExpenseAdministered,
		ExpenseAdministeredCapital,
		ExpenseSpecialAppropriation,
	} {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t
		}
	}
	return ExpenseOther
}

// FiscalYears lists the budget years the dataset carries, oldest first.
var FiscalYears = []string{"2023-24", "2024-25", "2025-26", "2026-27", "2027-28"}

func IsFiscalYear(label string) bool {
	for _, fy := range FiscalYears {
		if fy == label {
			return true
		}
	}
	return false
}

// BudgetRecord is one imported budget line. Records are never mutated after
// import; Seq preserves import order.
type BudgetRecord struct {
	ID          string
	Seq         int
	Portfolio   string
	Department  string
	Program     string
	ExpenseType ExpenseType
	Amounts     map[string]decimal.Decimal
}

// Amount returns the amount for a fiscal year label such as "2024-25".
func (r BudgetRecord) Amount(fiscalYear string) (decimal.Decimal, bool) {
	amount, ok := r.Amounts[fiscalYear]
	return amount, ok
}

type RecordSource string

const (
	SourceFinance     RecordSource = "finance_records"
	SourceHR          RecordSource = "hr_records"
	SourceProcurement RecordSource = "procurement_records"
)

func (s RecordSource) Valid() bool {
	switch s {
	case SourceFinance, SourceHR, SourceProcurement:
		return true
	}
	return false
}

type Field struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// BusinessRecord is a raw finance, HR or procurement row before vectorisation.
type BusinessRecord struct {
	ID          string
	Source      RecordSource
	RecordType  string
	Department  string
	Title       string
	Description string
	Fields      []Field
	CreatedAt   time.Time
}

// Document is a vectorised business record: the retrieval target of the RAG path.
type Document struct {
	ID              string
	Source          RecordSource
	Title           string
	Body            string
	Fields          []Field
	Embedding       []float32
	ContentHash     string
	EmbedderVersion string
	CreatedAt       time.Time
}

// EvidenceRecord is the persisted audit-trail form of an evidence package.
type EvidenceRecord struct {
	AuditID         string
	SessionID       string
	Query           string
	Method          string
	ExecutedQuery   string
	DataSources     []string
	DocumentIDs     []string
	RecordCount     int
	ConfidenceScore float64
	AnswerText      string
	Degraded        bool
	ElapsedMS       int64
	Timestamp       time.Time
}
