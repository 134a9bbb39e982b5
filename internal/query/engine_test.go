package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/embedding"
	"github.com/govbudget/backend/internal/evidence"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/llm"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/vector/memory"
)

type capsDetector struct{}

func (capsDetector) ProperNouns(text string) []string {
	var out []string
	for _, f := range strings.Fields(text) {
		w := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
		if w != "" && unicode.IsUpper([]rune(w)[0]) {
			out = append(out, w)
		}
	}
	return out
}

func budgetRecord(seq int, portfolio, program string, amount int64) models.BudgetRecord {
	return models.BudgetRecord{
		ID:          fmt.Sprintf("r-%d", seq),
		Seq:         seq,
		Portfolio:   portfolio,
		Department:  "Department of " + portfolio,
		Program:     program,
		ExpenseType: models.ExpenseAdministered,
		Amounts:     map[string]decimal.Decimal{"2024-25": decimal.NewFromInt(amount)},
	}
}

var testRecords = []models.BudgetRecord{
	budgetRecord(1, "Education", "Schools", 10_000_000),
	budgetRecord(2, "Education", "Universities", 20_000_000),
	budgetRecord(3, "Education", "Early Learning", 5_000_000),
	budgetRecord(4, "Defence", "Navy", 20_000_000),
	budgetRecord(5, "Defence", "Army", 12_500_000),
}

type testBody struct {
	id, body string
	source   models.RecordSource
}

var testBodies = []testBody{
	{"doc-1", "Supplier Company 2 delivers stationery to regional offices.", models.SourceProcurement},
	{"doc-2", "Supplier Company 3 maintains fleet vehicles for Defence bases.", models.SourceProcurement},
	{"doc-3", "Payroll adjustment for graduate employees in the finance division.", models.SourceHR},
	{"doc-4", "Quarterly ledger reconciliation for grant payments.", models.SourceFinance},
	{"doc-7", "Supplier Company 1", models.SourceProcurement},
}

type harness struct {
	store    *dataset.Store
	embedder embedding.Embedder
	index    *memory.Index
	recorder *captureRecorder
}

func newHarness(t *testing.T, records []models.BudgetRecord, withDocs bool) *harness {
	t.Helper()
	if !withDocs {
		return newHarnessWithBodies(t, records, nil)
	}
	return newHarnessWithBodies(t, records, testBodies)
}

func newHarnessWithBodies(t *testing.T, records []models.BudgetRecord, bodies []testBody) *harness {
	t.Helper()
	emb := embedding.NewHashEmbedder(256)

	var docs []models.Document
	if len(bodies) > 0 {
		for _, b := range bodies {
			vec, err := emb.Embed(context.Background(), b.body)
			require.NoError(t, err)
			docs = append(docs, models.Document{
				ID:              b.id,
				Source:          b.source,
				Title:           "Record " + b.id,
				Body:            b.body,
				Embedding:       vec,
				EmbedderVersion: emb.Version(),
			})
		}
	}

	idx, err := memory.NewIndex(emb.Version(), emb.Dimension(), docs)
	require.NoError(t, err)

	return &harness{
		store:    dataset.NewStoreFrom(records, docs),
		embedder: emb,
		index:    idx,
		recorder: &captureRecorder{},
	}
}

func (h *harness) engine(narrator Narrator) *Engine {
	classifier := intent.NewClassifier(intent.Config{DefaultFiscalYear: "2024-25"}, h.store, capsDetector{}, nil)
	sql := sqlpath.NewExecutor(h.store, sqlpath.Config{})
	rag := ragpath.NewExecutor(h.embedder, h.index, h.store, ragpath.Config{})
	return NewEngine(classifier, sql, rag, narrator, h.recorder, Config{TopK: 5})
}

type captureRecorder struct {
	mu       sync.Mutex
	packages []*evidence.Package
	sessions []string
}

func (c *captureRecorder) Record(_ context.Context, pkg *evidence.Package, sessionID, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages = append(c.packages, pkg)
	c.sessions = append(c.sessions, sessionID)
}

type failingEmbedder struct{ embedding.Embedder }

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: 503 from provider", embedding.ErrUpstream)
}

func TestProcessQuery_SQLRoute(t *testing.T) {
	h := newHarness(t, testRecords, true)

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{
		Text:      "What is the total education budget for 2024?",
		SessionID: "s-1",
	})
	require.NoError(t, err)

	assert.Equal(t, intent.RouteSQL, resp.Route)
	require.NotNil(t, resp.SQL)
	assert.Nil(t, resp.RAG)
	assert.Equal(t, 3, resp.SQL.RecordCount)
	assert.Contains(t, resp.AnswerText, "$35,000,000")
	assert.InDelta(t, 0.8, resp.TrustScore, 1e-9)
	assert.Equal(t, "high", string(resp.TrustLevel))

	assert.Equal(t, []string{"budget_dataset"}, resp.Evidence.DataSources())
	assert.Equal(t, resp.SQL.ExecutedQuery, resp.Evidence.ExecutedQuery())
	assert.True(t, strings.HasPrefix(resp.Evidence.AuditID(), "AUD-"))

	require.Len(t, h.recorder.packages, 1)
	assert.Equal(t, "s-1", h.recorder.sessions[0])
	assert.Equal(t, resp.Evidence.AuditID(), h.recorder.packages[0].AuditID())
}

func TestProcessQuery_RAGRoute(t *testing.T) {
	h := newHarness(t, testRecords, true)

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find details about Supplier Company 1"})
	require.NoError(t, err)

	assert.Equal(t, intent.RouteRAG, resp.Route)
	require.NotNil(t, resp.RAG)
	require.NotEmpty(t, resp.RAG.Documents)
	assert.Equal(t, "doc-7", resp.RAG.Documents[0].ID)
	assert.Nil(t, resp.SQL)
	assert.InDelta(t, 0.7, resp.TrustScore, 1e-9)
	assert.Equal(t, "procurement_records", resp.Evidence.DataSources()[0])
	assert.NotContains(t, resp.Evidence.DataSources(), "budget_dataset")
	assert.Empty(t, resp.Evidence.ExecutedQuery())
	assert.Contains(t, resp.AnswerText, "[doc-7]")
}

func TestProcessQuery_HybridRunsBothPathsSQLFirst(t *testing.T) {
	h := newHarness(t, testRecords, true)

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find the top suppliers for Defence in 2024"})
	require.NoError(t, err)

	assert.Equal(t, intent.RouteHybrid, resp.Route)
	require.NotNil(t, resp.SQL)
	require.NotNil(t, resp.RAG)
	assert.False(t, resp.Degraded)
	assert.Equal(t, 2, resp.SQL.RecordCount)
	assert.Equal(t, "budget_dataset", resp.Evidence.DataSources()[0])
	assert.GreaterOrEqual(t, resp.TrustScore, 0.8)
	assert.True(t, strings.HasPrefix(resp.AnswerText, resp.SQL.Summary))
}

func TestProcessQuery_HybridDegradesWhenEmbedderFails(t *testing.T) {
	h := newHarness(t, testRecords, true)
	h.embedder = failingEmbedder{h.embedder}

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find the top suppliers for Defence in 2024"})
	require.NoError(t, err)

	assert.Equal(t, intent.RouteHybrid, resp.Route)
	assert.True(t, resp.Degraded)
	assert.True(t, resp.Evidence.Degraded())
	assert.Nil(t, resp.RAG)
	require.NotNil(t, resp.SQL)
	assert.Equal(t, []string{"budget_dataset"}, resp.Evidence.DataSources())
	assert.InDelta(t, 0.8, resp.TrustScore, 1e-9)
}

func TestProcessQuery_RAGFallsBackToSQL(t *testing.T) {
	h := newHarness(t, testRecords, true)
	h.embedder = failingEmbedder{h.embedder}

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find details about Supplier Company 1"})
	require.NoError(t, err)

	assert.Equal(t, intent.RouteSQL, resp.Route)
	assert.Equal(t, intent.RouteRAG, resp.Intent.Route)
	assert.True(t, resp.Degraded)
	assert.Nil(t, resp.RAG)
	require.NotNil(t, resp.SQL)
	assert.Positive(t, resp.SQL.RecordCount)

	healthy, err := newHarness(t, testRecords, true).engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find details about Supplier Company 1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, resp.TrustScore, 1e-9, "a fallback earns no bonus for the route it was not asked for")
	assert.Less(t, resp.TrustScore, healthy.TrustScore)
	assert.Equal(t, "low", string(resp.TrustLevel))
}

func TestProcessQuery_TemplateRecordTextIsNotHedging(t *testing.T) {
	h := newHarnessWithBodies(t, testRecords, []testBody{
		{"doc-9", "Supplier Company 9 might possibly renew the cleaning contract.", models.SourceProcurement},
	})

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find details about Supplier Company 9"})
	require.NoError(t, err)

	require.NotNil(t, resp.RAG)
	require.NotEmpty(t, resp.RAG.Documents)
	assert.Contains(t, resp.AnswerText, "might")
	assert.InDelta(t, 0.7, resp.TrustScore, 1e-9)
}

func TestProcessQuery_EmptyStoreNeverScoresAboveBase(t *testing.T) {
	h := newHarness(t, nil, false)
	e := h.engine(nil)

	for _, q := range []string{
		"What is the total education budget for 2024?",
		"Find details about Supplier Company 1",
		"Find the top suppliers for Defence in 2024",
		"",
	} {
		resp, err := e.ProcessQuery(context.Background(), QueryRequest{Text: q})
		require.NoError(t, err, q)
		assert.LessOrEqual(t, resp.TrustScore, 0.5, q)
	}
}

func TestProcessQuery_EmptyRAGListsDocumentIndex(t *testing.T) {
	h := newHarness(t, testRecords, false)

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "Find details about Supplier Company 1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"document_index"}, resp.Evidence.DataSources())
	assert.Contains(t, resp.AnswerText, "No matching records")
}

func TestProcessQuery_UnloadedStoreIsFatal(t *testing.T) {
	h := newHarness(t, testRecords, true)
	h.store = dataset.NewStore()

	_, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "total education budget"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, dataset.ErrUnavailable)
	assert.Empty(t, h.recorder.packages)
}

func TestProcessQuery_EmptyQueryRoutesToSQL(t *testing.T) {
	h := newHarness(t, testRecords, true)

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, intent.RouteSQL, resp.Route)
	assert.True(t, resp.Intent.Entities.Ambiguous)
}

type fakeNarrator struct {
	answer string
	err    error
	got    llm.AnswerRequest
}

func (f *fakeNarrator) GenerateAnswer(_ context.Context, req llm.AnswerRequest) (string, error) {
	f.got = req
	return f.answer, f.err
}

func TestProcessQuery_NarrationFeedsUncertaintyCheck(t *testing.T) {
	h := newHarness(t, testRecords, true)
	narrator := &fakeNarrator{answer: "Education might receive about $35 million."}

	resp, err := h.engine(narrator).ProcessQuery(context.Background(), QueryRequest{Text: "total education budget for 2024"})
	require.NoError(t, err)

	assert.Equal(t, narrator.answer, resp.AnswerText)
	assert.InDelta(t, 0.7, resp.TrustScore, 1e-9)
	assert.Contains(t, narrator.got.SQLContext, "$35,000,000")
	assert.Empty(t, narrator.got.RAGContext)
	assert.False(t, resp.Degraded)
}

func TestProcessQuery_NarrationFailureUsesTemplate(t *testing.T) {
	h := newHarness(t, testRecords, true)
	narrator := &fakeNarrator{err: errors.New("rate limited")}

	resp, err := h.engine(narrator).ProcessQuery(context.Background(), QueryRequest{Text: "total education budget for 2024"})
	require.NoError(t, err)

	assert.Contains(t, resp.AnswerText, "$35,000,000")
	assert.True(t, resp.Degraded)
	assert.InDelta(t, 0.8, resp.TrustScore, 1e-9)
}

func TestProcessQuery_TopKHint(t *testing.T) {
	h := newHarness(t, testRecords, true)

	resp, err := h.engine(nil).ProcessQuery(context.Background(), QueryRequest{
		Text:    "Find details about Supplier Company 1",
		Context: map[string]string{"top_k": "1"},
	})
	require.NoError(t, err)
	require.Len(t, resp.RAG.Documents, 1)
	assert.Equal(t, "doc-7", resp.RAG.Documents[0].ID)
}
