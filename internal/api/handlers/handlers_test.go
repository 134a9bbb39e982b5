package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/evidence"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/middleware/validation"
	"github.com/govbudget/backend/internal/query"
	"github.com/govbudget/backend/internal/sqlpath"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/storage/sqlite"
)

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

type fakeProcessor struct {
	err   error
	got   query.QueryRequest
	calls int
}

func (f *fakeProcessor) ProcessQuery(_ context.Context, req query.QueryRequest) (*query.QueryResponse, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	sql := &sqlpath.Result{RecordCount: 3, Summary: "Total budget for Education in 2024-25: $35,000,000 across 3 records."}
	pkg := evidence.NewBuilder().Build(evidence.Input{Query: req.Text, Route: intent.RouteSQL, SQL: sql, TrustScore: 0.8})
	return &query.QueryResponse{
		Route:      intent.RouteSQL,
		AnswerText: sql.Summary,
		Evidence:   pkg,
		TrustScore: 0.8,
		TrustLevel: "high",
		SQL:        sql,
	}, nil
}

func queryApp(p QueryProcessor) *fiber.App {
	app := fiber.New()
	app.Use(validation.Middleware(validation.Config{}))
	app.Post("/api/v1/query", NewQueryHandler(p).HandleQuery)
	return app
}

func TestHandleQuery(t *testing.T) {
	p := &fakeProcessor{}
	status, body := doJSON(t, queryApp(p), "POST", "/api/v1/query", `{"text":"total education budget","session_id":"s-9"}`)

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "SQL", body["route"])
	assert.Equal(t, 0.8, body["trust_score"])
	assert.Equal(t, "s-9", body["session_id"])
	ev := body["evidence_package"].(map[string]any)
	assert.Equal(t, []any{"budget_dataset"}, ev["data_sources"])
	assert.True(t, strings.HasPrefix(ev["audit_id"].(string), "AUD-"))
	assert.Equal(t, "total education budget", p.got.Text)
}

func TestHandleQuery_GeneratesSessionID(t *testing.T) {
	p := &fakeProcessor{}
	status, body := doJSON(t, queryApp(p), "POST", "/api/v1/query", `{"text":""}`)

	assert.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, body["session_id"])
	assert.Equal(t, body["session_id"], p.got.SessionID)
}

func TestHandleQuery_FatalIs503(t *testing.T) {
	p := &fakeProcessor{err: fmt.Errorf("sql path: %w", dataset.ErrUnavailable)}
	status, body := doJSON(t, queryApp(p), "POST", "/api/v1/query", `{"text":"total"}`)

	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "backing_store_unavailable", body["code"])
}

func TestHandleQuery_OtherErrorIs500(t *testing.T) {
	p := &fakeProcessor{err: errors.New("boom")}
	status, body := doJSON(t, queryApp(p), "POST", "/api/v1/query", `{"text":"total"}`)

	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", body["code"])
}

func TestHandleQuery_MalformedBodyWithoutMiddleware(t *testing.T) {
	app := fiber.New()
	app.Post("/api/v1/query", NewQueryHandler(&fakeProcessor{}).HandleQuery)

	status, body := doJSON(t, app, "POST", "/api/v1/query", `{"text":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestAuditHandler(t *testing.T) {
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	pkg := evidence.NewBuilder().Build(evidence.Input{
		Query: "total education budget",
		Route: intent.RouteSQL,
		SQL:   &sqlpath.Result{RecordCount: 3, ExecutedQuery: "SELECT 1"},
	})
	require.NoError(t, db.InsertEvidence(context.Background(), pkg.Record("s-1", "Total is $35,000,000.")))

	h := NewAuditHandler(db)
	app := fiber.New()
	app.Get("/api/v1/audit", h.ListAudit)
	app.Get("/api/v1/audit/:audit_id", h.GetAudit)

	status, body := doJSON(t, app, "GET", "/api/v1/audit/"+pkg.AuditID(), "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "s-1", body["session_id"])
	ev := body["evidence_package"].(map[string]any)
	assert.Equal(t, pkg.AuditID(), ev["audit_id"])
	assert.Equal(t, "SELECT 1", ev["executed_query"])

	status, body = doJSON(t, app, "GET", "/api/v1/audit/AUD-missing", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, body = doJSON(t, app, "GET", "/api/v1/audit?session_id=s-1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = doJSON(t, app, "GET", "/api/v1/audit?session_id=other", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func summaryStore() *dataset.Store {
	rec := func(id, portfolio string, seq int, amounts map[string]int64) models.BudgetRecord {
		m := make(map[string]decimal.Decimal, len(amounts))
		for fy, a := range amounts {
			m[fy] = decimal.NewFromInt(a)
		}
		return models.BudgetRecord{
			ID: id, Seq: seq, Portfolio: portfolio, Department: "Department of " + portfolio,
			Program: "Program " + id, ExpenseType: models.ExpenseDepartmental, Amounts: m,
		}
	}
	return dataset.NewStoreFrom([]models.BudgetRecord{
		rec("a", "Education", 1, map[string]int64{"2023-24": 100, "2024-25": 150}),
		rec("b", "Defence", 2, map[string]int64{"2023-24": 100, "2024-25": 50}),
	}, nil)
}

type memoryCache struct {
	data map[string][]byte
	sets int
}

func (m *memoryCache) GetJSON(_ context.Context, kind, id string, out any) (bool, error) {
	raw, ok := m.data[kind+":"+id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *memoryCache) SetJSON(_ context.Context, kind, id string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.sets++
	m.data[kind+":"+id] = raw
	return nil
}

func TestDatasetHandler_Summary(t *testing.T) {
	cache := &memoryCache{data: map[string][]byte{}}
	app := fiber.New()
	app.Get("/summary", NewDatasetHandler(summaryStore(), cache, time.Hour, "2024-25").GetBudgetSummary)

	status, body := doJSON(t, app, "GET", "/summary", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2024-25", body["fiscal_year"])
	assert.Equal(t, "200", body["total_budget"])
	assert.Equal(t, "2023-24", body["previous_year"])
	assert.Equal(t, 1, cache.sets)

	status, body = doJSON(t, app, "GET", "/summary", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "200", body["total_budget"])
	assert.Equal(t, 1, cache.sets, "second request is served from cache")

	status, body = doJSON(t, app, "GET", "/summary?fiscal_year=1999-00", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestDatasetHandler_UnloadedStore(t *testing.T) {
	app := fiber.New()
	app.Get("/summary", NewDatasetHandler(dataset.NewStore(), nil, 0, "2024-25").GetBudgetSummary)

	status, body := doJSON(t, app, "GET", "/summary", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "backing_store_unavailable", body["code"])
}

func datasetApp(store BudgetStore) *fiber.App {
	h := NewDatasetHandler(store, nil, 0, "2024-25")
	app := fiber.New()
	app.Get("/datasets/budget/trends", h.GetBudgetTrends)
	app.Get("/datasets/budget/search", h.SearchBudget)
	app.Get("/datasets/portfolios", h.ListPortfolios)
	app.Get("/datasets/departments", h.ListDepartments)
	return app
}

func TestDatasetHandler_Trends(t *testing.T) {
	app := datasetApp(summaryStore())

	status, body := doJSON(t, app, "GET", "/datasets/budget/trends?entity_type=portfolio&entity_name=education", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "portfolio", body["entity_type"])
	points := body["trend_data"].([]any)
	require.Len(t, points, 5)
	first, second := points[0].(map[string]any), points[1].(map[string]any)
	assert.Equal(t, "2023-24", first["fiscal_year"])
	assert.Equal(t, "100", first["total_amount"])
	assert.Equal(t, "150", second["total_amount"])
	assert.Equal(t, "50", second["year_over_year_change"])

	status, body = doJSON(t, app, "GET", "/datasets/budget/trends?entity_type=department&entity_name=Department%20of%20Defence", "")
	assert.Equal(t, fiber.StatusOK, status)
	second = body["trend_data"].([]any)[1].(map[string]any)
	assert.Equal(t, "-50", second["year_over_year_change"])

	for _, path := range []string{
		"/datasets/budget/trends?entity_type=portfolio",
		"/datasets/budget/trends?entity_type=program&entity_name=Schools",
	} {
		status, body = doJSON(t, app, "GET", path, "")
		assert.Equal(t, fiber.StatusBadRequest, status, path)
		assert.Equal(t, "invalid_request", body["code"], path)
	}
}

func TestDatasetHandler_Search(t *testing.T) {
	app := datasetApp(summaryStore())

	status, body := doJSON(t, app, "GET", "/datasets/budget/search?query=defence", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2024-25", body["fiscal_year"])
	assert.Equal(t, float64(1), body["total"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.Equal(t, "Program b", hit["program"])
	assert.Equal(t, "50", hit["amount"])

	status, body = doJSON(t, app, "GET", "/datasets/budget/search?min_amount=60&limit=1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, "Education", body["results"].([]any)[0].(map[string]any)["portfolio"])
	assert.Equal(t, "150", body["aggregations"].(map[string]any)["total_amount"])

	status, body = doJSON(t, app, "GET", "/datasets/budget/search?fiscal_year=2023-24&limit=1&offset=1", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["results"], 1)

	for _, path := range []string{
		"/datasets/budget/search?fiscal_year=1999-00",
		"/datasets/budget/search?limit=0",
		"/datasets/budget/search?limit=100000",
		"/datasets/budget/search?offset=-1",
		"/datasets/budget/search?min_amount=lots",
	} {
		status, body = doJSON(t, app, "GET", path, "")
		assert.Equal(t, fiber.StatusBadRequest, status, path)
		assert.Equal(t, "invalid_request", body["code"], path)
	}
}

func TestDatasetHandler_Lists(t *testing.T) {
	app := datasetApp(summaryStore())

	status, body := doJSON(t, app, "GET", "/datasets/portfolios?fiscal_year=2023-24", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
	portfolios := body["portfolios"].([]any)
	assert.Equal(t, "Defence", portfolios[0].(map[string]any)["name"], "equal totals order by name")

	status, body = doJSON(t, app, "GET", "/datasets/departments", "")
	assert.Equal(t, fiber.StatusOK, status)
	departments := body["departments"].([]any)
	require.Len(t, departments, 2)
	assert.Equal(t, "Department of Education", departments[0].(map[string]any)["name"])

	status, _ = doJSON(t, app, "GET", "/datasets/departments?fiscal_year=2030-31", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestDatasetHandler_ExploreUnloadedStore(t *testing.T) {
	app := datasetApp(dataset.NewStore())

	for _, path := range []string{
		"/datasets/budget/trends?entity_type=portfolio&entity_name=Education",
		"/datasets/budget/search",
		"/datasets/portfolios",
	} {
		status, body := doJSON(t, app, "GET", path, "")
		assert.Equal(t, fiber.StatusServiceUnavailable, status, path)
		assert.Equal(t, "backing_store_unavailable", body["code"], path)
	}
}

func TestDocumentHandler(t *testing.T) {
	store := dataset.NewStoreFrom(nil, []models.Document{{
		ID:     "doc-7",
		Source: models.SourceProcurement,
		Title:  "Supplier Company 1",
		Body:   "Supplier Company 1 provides cleaning services.",
		Fields: []models.Field{{Name: "supplier", Value: "Supplier Company 1"}},
	}})
	app := fiber.New()
	app.Get("/documents/:id", NewDocumentHandler(store).GetDocument)

	status, body := doJSON(t, app, "GET", "/documents/doc-7", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "procurement_records", body["source"])
	assert.NotContains(t, body, "embedding")
	assert.Equal(t, []any{map[string]any{"name": "supplier", "value": "Supplier Company 1"}}, body["fields"])

	status, body = doJSON(t, app, "GET", "/documents/doc-404", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

// fakeConn replays inbound frames and fails every write from failFrom on.
type fakeConn struct {
	inbound  []string
	reads    int
	failFrom int
	writes   int
	frames   []map[string]interface{}
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	f.reads++
	if len(f.inbound) == 0 {
		return io.EOF
	}
	raw := f.inbound[0]
	f.inbound = f.inbound[1:]
	return json.Unmarshal([]byte(raw), v)
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.writes++
	if f.failFrom >= 0 && f.writes > f.failFrom {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, v.(map[string]interface{}))
	return nil
}

func frameTypes(frames []map[string]interface{}) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func TestWebSocket_StreamsAnswer(t *testing.T) {
	p := &fakeProcessor{}
	conn := &fakeConn{failFrom: -1, inbound: []string{`{"type":"ping"}`, `{"type":"query","text":"total education budget"}`}}

	NewWebSocketHandler(p, 0, time.Second).serve(conn, "conn-1")

	require.NotEmpty(t, conn.frames)
	types := frameTypes(conn.frames)
	assert.Equal(t, "status", types[0])
	assert.Equal(t, "complete", types[len(types)-1])
	assert.Contains(t, types, "chunk")
	assert.Equal(t, "conn-1", conn.frames[len(conn.frames)-1]["session_id"])
	assert.Equal(t, 1, p.calls)
}

func TestWebSocket_QueryErrorSendsFrameAndKeepsReading(t *testing.T) {
	p := &fakeProcessor{err: errors.New("boom")}
	conn := &fakeConn{failFrom: -1, inbound: []string{
		`{"type":"query","text":"first"}`,
		`{"type":"query","text":"second"}`,
	}}

	NewWebSocketHandler(p, 0, time.Second).serve(conn, "conn-1")

	assert.Equal(t, []string{"status", "error", "status", "error"}, frameTypes(conn.frames))
	assert.Equal(t, "internal_error", conn.frames[1]["code"])
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, 3, conn.reads)
}

func TestWebSocket_FatalQueryErrorCode(t *testing.T) {
	p := &fakeProcessor{err: fmt.Errorf("sql path: %w", dataset.ErrUnavailable)}
	conn := &fakeConn{failFrom: -1, inbound: []string{`{"type":"query","text":"total"}`}}

	NewWebSocketHandler(p, 0, time.Second).serve(conn, "conn-1")

	require.Len(t, conn.frames, 2)
	assert.Equal(t, "backing_store_unavailable", conn.frames[1]["code"])
}

func TestWebSocket_WriteFailureClosesLoop(t *testing.T) {
	p := &fakeProcessor{}
	conn := &fakeConn{failFrom: 0, inbound: []string{
		`{"type":"query","text":"first"}`,
		`{"type":"query","text":"second"}`,
	}}

	NewWebSocketHandler(p, 0, time.Second).serve(conn, "conn-1")

	assert.Equal(t, 1, conn.writes, "no error frame follows a failed write")
	assert.Equal(t, 1, conn.reads, "the loop stops instead of reading the next message")
	assert.Zero(t, p.calls)
}

func TestWebSocket_WriteFailureMidStream(t *testing.T) {
	p := &fakeProcessor{}
	conn := &fakeConn{failFrom: 2, inbound: []string{
		`{"type":"query","text":"first"}`,
		`{"type":"query","text":"second"}`,
	}}

	NewWebSocketHandler(p, 0, time.Second).serve(conn, "conn-1")

	assert.Equal(t, 3, conn.writes)
	assert.Equal(t, []string{"status", "chunk"}, frameTypes(conn.frames))
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 1, conn.reads)
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"Total", "is", "$5.", "\n", "-", "Navy"}, splitIntoWords("Total is  $5.\n- Navy"))
	assert.Empty(t, splitIntoWords(""))
}
