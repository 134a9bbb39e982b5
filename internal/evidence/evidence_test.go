package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/storage/sqlite"
)

func TestNewAuditID_UniqueAndOrdered(t *testing.T) {
	const n = 10_000
	ids := make([]string, n)
	seen := make(map[string]struct{}, n)
	for i := range ids {
		ids[i] = NewAuditID()
		require.True(t, strings.HasPrefix(ids[i], "AUD-"))
		seen[ids[i]] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestBuild_DataSources(t *testing.T) {
	sqlRes := &sqlpath.Result{RecordCount: 3, ExecutedQuery: "SELECT 1"}
	ragRes := &ragpath.Result{
		Documents: []ragpath.Hit{
			{ID: "doc-7", Source: models.SourceProcurement},
			{ID: "doc-2", Source: models.SourceFinance},
			{ID: "doc-9", Source: models.SourceProcurement},
		},
		RecordCount: 3,
	}

	tests := []struct {
		name     string
		in       Input
		sources  []string
		executed string
		count    int
	}{
		{
			name:     "sql",
			in:       Input{Route: intent.RouteSQL, SQL: sqlRes},
			sources:  []string{"budget_dataset"},
			executed: "SELECT 1",
			count:    3,
		},
		{
			name:    "rag",
			in:      Input{Route: intent.RouteRAG, RAG: ragRes},
			sources: []string{"procurement_records", "finance_records"},
			count:   3,
		},
		{
			name:    "rag empty",
			in:      Input{Route: intent.RouteRAG, RAG: &ragpath.Result{Documents: []ragpath.Hit{}}},
			sources: []string{"document_index"},
		},
		{
			name:     "hybrid",
			in:       Input{Route: intent.RouteHybrid, SQL: sqlRes, RAG: ragRes},
			sources:  []string{"budget_dataset", "procurement_records", "finance_records"},
			executed: "SELECT 1",
			count:    6,
		},
		{
			name:     "hybrid degraded",
			in:       Input{Route: intent.RouteHybrid, SQL: sqlRes, Degraded: true},
			sources:  []string{"budget_dataset"},
			executed: "SELECT 1",
			count:    3,
		},
	}

	b := NewBuilder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := b.Build(tt.in)
			assert.Equal(t, tt.sources, p.DataSources())
			assert.Equal(t, tt.executed, p.ExecutedQuery())
			assert.Equal(t, tt.count, p.RecordCount())
			assert.Equal(t, tt.in.Degraded, p.Degraded())
		})
	}
}

func TestPackage_IsImmutable(t *testing.T) {
	p := NewBuilder().Build(Input{
		Route: intent.RouteRAG,
		RAG:   &ragpath.Result{Documents: []ragpath.Hit{{ID: "doc-1", Source: models.SourceHR}}, RecordCount: 1},
	})

	sources := p.DataSources()
	sources[0] = "tampered"
	ids := p.DocumentIDs()
	ids[0] = "tampered"

	assert.Equal(t, []string{"hr_records"}, p.DataSources())
	assert.Equal(t, []string{"doc-1"}, p.DocumentIDs())
}

func TestPackage_JSON(t *testing.T) {
	b := NewBuilder()
	b.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	b.newID = func() string { return "AUD-fixed" }

	p := b.Build(Input{
		Query:      "Find details about Supplier Company 1",
		Route:      intent.RouteRAG,
		RAG:        &ragpath.Result{Documents: []ragpath.Hit{{ID: "doc-7", Source: models.SourceProcurement}}, RecordCount: 1},
		TrustScore: 0.7,
		Elapsed:    42 * time.Millisecond,
	})

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "AUD-fixed", got["audit_id"])
	assert.Equal(t, "RAG", got["method"])
	assert.Equal(t, "2025-03-01T09:30:00Z", got["timestamp"])
	assert.Equal(t, []any{"procurement_records"}, got["data_sources"])
	assert.Equal(t, []any{"doc-7"}, got["document_ids"])
	assert.Equal(t, 0.7, got["confidence_score"])
	assert.Equal(t, float64(42), got["elapsed_ms"])
	assert.NotContains(t, got, "executed_query")
}

func TestRecorder_PersistsToSQLite(t *testing.T) {
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	p := NewBuilder().Build(Input{
		Query: "total education budget",
		Route: intent.RouteSQL,
		SQL:   &sqlpath.Result{RecordCount: 3, ExecutedQuery: "SELECT SUM(amount_2024_25)"},
	})
	NewRecorder(db, 0).Record(context.Background(), p, "session-1", "Total is $35,000,000.")

	rec, err := db.GetEvidence(context.Background(), p.AuditID())
	require.NoError(t, err)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, "SQL", rec.Method)
	assert.Equal(t, []string{"budget_dataset"}, rec.DataSources)

	back := FromRecord(*rec)
	assert.Equal(t, p.AuditID(), back.AuditID())
	assert.Equal(t, intent.RouteSQL, back.Method())
	assert.Equal(t, p.ExecutedQuery(), back.ExecutedQuery())
}

type failingStore struct{ calls int }

func (f *failingStore) InsertEvidence(context.Context, *models.EvidenceRecord) error {
	f.calls++
	return errors.New("disk full")
}

func TestRecorder_FailureIsSwallowed(t *testing.T) {
	store := &failingStore{}
	p := NewBuilder().Build(Input{Route: intent.RouteSQL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { NewRecorder(store, time.Second).Record(ctx, p, "", "") })
	assert.Equal(t, 1, store.calls)
}
