package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

// ErrUnavailable means the store has not been loaded; no answer can be produced.
var ErrUnavailable = errors.New("dataset store unavailable")

var ErrDocumentNotFound = errors.New("document not found")

const (
	SourceBudget = "budget_dataset"
)

// Loader reads the backing tables once at startup.
type Loader interface {
	LoadBudgetRecords(ctx context.Context) ([]models.BudgetRecord, error)
	LoadDocuments(ctx context.Context) ([]models.Document, error)
}

type snapshot struct {
	records   []models.BudgetRecord
	documents []models.Document
	docIndex  map[string]int
	vocab     Vocabulary
}

// Store gives read-only access to budget records and vectorised business
// documents. It is loaded once and then read without locks.
type Store struct {
	snap atomic.Pointer[snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// NewStoreFrom builds a loaded store from in-memory data.
func NewStoreFrom(records []models.BudgetRecord, documents []models.Document) *Store {
	s := &Store{}
	s.install(records, documents)
	return s
}

func (s *Store) Load(ctx context.Context, loader Loader) error {
	records, err := loader.LoadBudgetRecords(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	documents, err := loader.LoadDocuments(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.install(records, documents)
	metrics.BudgetRecordsLoaded.Set(float64(len(records)))

	logger.Info("Dataset store loaded",
		zap.Int("budget_records", len(records)),
		zap.Int("documents", len(documents)),
	)
	return nil
}

func (s *Store) install(records []models.BudgetRecord, documents []models.Document) {
	recs := make([]models.BudgetRecord, len(records))
	copy(recs, records)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	docs := make([]models.Document, len(documents))
	copy(docs, documents)
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	index := make(map[string]int, len(docs))
	for i, d := range docs {
		index[d.ID] = i
	}

	s.snap.Store(&snapshot{
		records:   recs,
		documents: docs,
		docIndex:  index,
		vocab:     buildVocabulary(recs),
	})
}

func (s *Store) current() (*snapshot, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, ErrUnavailable
	}
	return snap, nil
}

func (s *Store) Ready() bool {
	return s.snap.Load() != nil
}

// Filter selects budget records. Empty fields do not constrain; non-empty
// fields match case-insensitively and exactly.
type Filter struct {
	Portfolio  string
	Department string
	Program    string
	FiscalYear string
}

func (f Filter) matches(r models.BudgetRecord) bool {
	return matchField(f.Portfolio, r.Portfolio) &&
		matchField(f.Department, r.Department) &&
		matchField(f.Program, r.Program)
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(strings.TrimSpace(want), got)
}

// Row is a budget record projected onto one fiscal year.
type Row struct {
	Record models.BudgetRecord
	Amount decimal.Decimal
}

// Select returns matching records that carry an amount for f.FiscalYear, in
// import order.
func (s *Store) Select(f Filter) ([]Row, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}

	var rows []Row
	for _, r := range snap.records {
		if !f.matches(r) {
			continue
		}
		amount, ok := r.Amount(f.FiscalYear)
		if !ok {
			continue
		}
		rows = append(rows, Row{Record: r, Amount: amount})
	}
	return rows, nil
}

func (s *Store) Sum(f Filter) (decimal.Decimal, int, error) {
	rows, err := s.Select(f)
	if err != nil {
		return decimal.Zero, 0, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total, len(rows), nil
}

func (s *Store) Mean(f Filter) (decimal.Decimal, int, error) {
	total, n, err := s.Sum(f)
	if err != nil || n == 0 {
		return decimal.Zero, n, err
	}
	return total.Div(decimal.NewFromInt(int64(n))), n, nil
}

func (s *Store) Count(f Filter) (int, error) {
	rows, err := s.Select(f)
	return len(rows), err
}

// TopN returns the n largest rows by amount; equal amounts keep import order.
func (s *Store) TopN(f Filter, n int) ([]Row, error) {
	rows, err := s.Select(f)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Amount.GreaterThan(rows[j].Amount)
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

// Group is an aggregate keyed by a portfolio, department or expense type.
type Group struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// GroupBy sums matching rows by key, ordered by amount descending then name.
func (s *Store) GroupBy(f Filter, key func(models.BudgetRecord) string) ([]Group, error) {
	rows, err := s.Select(f)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var groups []Group
	for _, r := range rows {
		k := key(r.Record)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Name: k, Amount: decimal.Zero})
		}
		groups[i].Amount = groups[i].Amount.Add(r.Amount)
		groups[i].Count++
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].Amount.Equal(groups[j].Amount) {
			return groups[i].Amount.GreaterThan(groups[j].Amount)
		}
		return groups[i].Name < groups[j].Name
	})
	return groups, nil
}

func ByPortfolio(r models.BudgetRecord) string   { return r.Portfolio }
func ByDepartment(r models.BudgetRecord) string  { return r.Department }
func ByExpenseType(r models.BudgetRecord) string { return string(r.ExpenseType) }

// Documents returns the vectorised business records, ordered by id.
func (s *Store) Documents() ([]models.Document, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	out := make([]models.Document, len(snap.documents))
	copy(out, snap.documents)
	return out, nil
}

func (s *Store) Document(id string) (models.Document, error) {
	snap, err := s.current()
	if err != nil {
		return models.Document{}, err
	}
	i, ok := snap.docIndex[id]
	if !ok {
		return models.Document{}, ErrDocumentNotFound
	}
	return snap.documents[i], nil
}

func (s *Store) Vocabulary() (Vocabulary, error) {
	snap, err := s.current()
	if err != nil {
		return Vocabulary{}, err
	}
	return snap.vocab, nil
}
