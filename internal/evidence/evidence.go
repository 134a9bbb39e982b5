package evidence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
	"github.com/govbudget/backend/internal/storage/models"
)

// SourceDocumentIndex is listed when the RAG path ran but matched nothing.
const SourceDocumentIndex = "document_index"

// Package is the audit trail of one answered query. It cannot be changed
// after Build; getters return copies of slices.
type Package struct {
	auditID         string
	query           string
	method          intent.Route
	executedQuery   string
	dataSources     []string
	documentIDs     []string
	recordCount     int
	confidenceScore float64
	timestamp       time.Time
	elapsed         time.Duration
	degraded        bool
}

func (p *Package) AuditID() string          { return p.auditID }
func (p *Package) Query() string            { return p.query }
func (p *Package) Method() intent.Route     { return p.method }
func (p *Package) ExecutedQuery() string    { return p.executedQuery }
func (p *Package) RecordCount() int         { return p.recordCount }
func (p *Package) ConfidenceScore() float64 { return p.confidenceScore }
func (p *Package) Timestamp() time.Time     { return p.timestamp }
func (p *Package) Elapsed() time.Duration   { return p.elapsed }
func (p *Package) Degraded() bool           { return p.degraded }
func (p *Package) DataSources() []string    { return append([]string(nil), p.dataSources...) }
func (p *Package) DocumentIDs() []string    { return append([]string(nil), p.documentIDs...) }

type wirePackage struct {
	Query           string   `json:"query"`
	Method          string   `json:"method"`
	ExecutedQuery   string   `json:"executed_query,omitempty"`
	DataSources     []string `json:"data_sources"`
	DocumentIDs     []string `json:"document_ids"`
	RecordCount     int      `json:"record_count"`
	ConfidenceScore float64  `json:"confidence_score"`
	Timestamp       string   `json:"timestamp"`
	AuditID         string   `json:"audit_id"`
	ElapsedMS       int64    `json:"elapsed_ms"`
	Degraded        bool     `json:"degraded"`
}

func (p *Package) MarshalJSON() ([]byte, error) {
	w := wirePackage{
		Query:           p.query,
		Method:          string(p.method),
		ExecutedQuery:   p.executedQuery,
		DataSources:     p.DataSources(),
		DocumentIDs:     p.DocumentIDs(),
		RecordCount:     p.recordCount,
		ConfidenceScore: p.confidenceScore,
		Timestamp:       p.timestamp.UTC().Format(time.RFC3339Nano),
		AuditID:         p.auditID,
		ElapsedMS:       p.elapsed.Milliseconds(),
		Degraded:        p.degraded,
	}
	if w.DataSources == nil {
		w.DataSources = []string{}
	}
	if w.DocumentIDs == nil {
		w.DocumentIDs = []string{}
	}
	return json.Marshal(w)
}

// Record converts the package into its persisted form.
func (p *Package) Record(sessionID, answer string) *models.EvidenceRecord {
	return &models.EvidenceRecord{
		AuditID:         p.auditID,
		SessionID:       sessionID,
		Query:           p.query,
		Method:          string(p.method),
		ExecutedQuery:   p.executedQuery,
		DataSources:     p.DataSources(),
		DocumentIDs:     p.DocumentIDs(),
		RecordCount:     p.recordCount,
		ConfidenceScore: p.confidenceScore,
		AnswerText:      answer,
		Degraded:        p.degraded,
		ElapsedMS:       p.elapsed.Milliseconds(),
		Timestamp:       p.timestamp,
	}
}

// FromRecord rebuilds a package read back from the audit log.
func FromRecord(r models.EvidenceRecord) *Package {
	route, _ := intent.ParseRoute(r.Method)
	return &Package{
		auditID:         r.AuditID,
		query:           r.Query,
		method:          route,
		executedQuery:   r.ExecutedQuery,
		dataSources:     append([]string(nil), r.DataSources...),
		documentIDs:     append([]string(nil), r.DocumentIDs...),
		recordCount:     r.RecordCount,
		confidenceScore: r.ConfidenceScore,
		timestamp:       r.Timestamp,
		elapsed:         time.Duration(r.ElapsedMS) * time.Millisecond,
		degraded:        r.Degraded,
	}
}

// Input describes what happened while answering a query. A nil SQL or RAG
// result means that path did not run.
type Input struct {
	Query      string
	Route      intent.Route
	SQL        *sqlpath.Result
	RAG        *ragpath.Result
	TrustScore float64
	Elapsed    time.Duration
	Degraded   bool
}

type Builder struct {
	now   func() time.Time
	newID func() string
}

func NewBuilder() *Builder {
	return &Builder{now: time.Now, newID: NewAuditID}
}

// NewAuditID returns "AUD-" followed by a version 7 UUID. Ids generated by
// one process sort in creation order.
func NewAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "AUD-" + id.String()
}

func (b *Builder) Build(in Input) *Package {
	p := &Package{
		auditID:         b.newID(),
		query:           in.Query,
		method:          in.Route,
		confidenceScore: in.TrustScore,
		timestamp:       b.now().UTC(),
		elapsed:         in.Elapsed,
		degraded:        in.Degraded,
		dataSources:     []string{},
		documentIDs:     []string{},
	}

	if in.SQL != nil {
		p.dataSources = append(p.dataSources, dataset.SourceBudget)
		p.recordCount += in.SQL.RecordCount
		if in.Route.UsesSQL() {
			p.executedQuery = in.SQL.ExecutedQuery
		}
	}

	if in.RAG != nil {
		p.recordCount += in.RAG.RecordCount
		seen := make(map[string]struct{})
		for _, d := range in.RAG.Documents {
			p.documentIDs = append(p.documentIDs, d.ID)
			src := string(d.Source)
			if _, ok := seen[src]; ok || src == "" {
				continue
			}
			seen[src] = struct{}{}
			p.dataSources = append(p.dataSources, src)
		}
		if len(in.RAG.Documents) == 0 {
			p.dataSources = append(p.dataSources, SourceDocumentIndex)
		}
	}

	return p
}
