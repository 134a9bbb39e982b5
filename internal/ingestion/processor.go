package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/embedding"
	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/pkg/logger"
)

type Store interface {
	ListBusinessRecords(ctx context.Context, source models.RecordSource) ([]models.BusinessRecord, error)
	HasContentHash(ctx context.Context, hash string) (bool, error)
	UpsertDocumentVector(ctx context.Context, doc *models.Document) error
	DeleteDocumentVectors(ctx context.Context, source models.RecordSource) (int64, error)
}

// VectorSink mirrors vectors into an external index such as Milvus.
type VectorSink interface {
	Upsert(ctx context.Context, docs []models.Document) error
}

type Processor struct {
	store     Store
	embedder  embedding.Embedder
	sink      VectorSink
	batchSize int
	now       func() time.Time
}

// NewProcessor builds a vectoriser. sink may be nil.
func NewProcessor(store Store, embedder embedding.Embedder, sink VectorSink) *Processor {
	return &Processor{
		store:     store,
		embedder:  embedder,
		sink:      sink,
		batchSize: 64,
		now:       time.Now,
	}
}

type Options struct {
	// Force drops existing vectors of each source and embeds everything again.
	Force   bool
	Sources []models.RecordSource
}

type Result struct {
	Embedded map[models.RecordSource]int
	Skipped  int
	Errors   []string
}

func (r *Result) TotalEmbedded() int {
	n := 0
	for _, c := range r.Embedded {
		n += c
	}
	return n
}

var allSources = []models.RecordSource{models.SourceFinance, models.SourceHR, models.SourceProcurement}

// Vectorize embeds every business record whose content changed since the
// last run. A failing record is reported in Result.Errors and skipped.
func (p *Processor) Vectorize(ctx context.Context, opts Options) (*Result, error) {
	sources := opts.Sources
	if len(sources) == 0 {
		sources = allSources
	}

	result := &Result{Embedded: make(map[models.RecordSource]int)}
	for _, source := range sources {
		if !source.Valid() {
			return nil, fmt.Errorf("unknown record source %q", source)
		}
		if err := p.vectorizeSource(ctx, source, opts.Force, result); err != nil {
			return result, err
		}
	}

	logger.Info("Vectorisation finished",
		zap.Int("embedded", result.TotalEmbedded()),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.String("embedder", p.embedder.Version()),
	)
	return result, nil
}

func (p *Processor) vectorizeSource(ctx context.Context, source models.RecordSource, force bool, result *Result) error {
	if force {
		removed, err := p.store.DeleteDocumentVectors(ctx, source)
		if err != nil {
			return err
		}
		logger.Info("Dropped existing vectors", zap.String("source", string(source)), zap.Int64("removed", removed))
	}

	records, err := p.store.ListBusinessRecords(ctx, source)
	if err != nil {
		return err
	}
	logger.Info("Vectorising records", zap.String("source", string(source)), zap.Int("records", len(records)))

	batch := make([]models.Document, 0, p.batchSize)
	flush := func() error {
		if p.sink == nil || len(batch) == 0 {
			batch = batch[:0]
			return nil
		}
		if err := p.sink.Upsert(ctx, batch); err != nil {
			return fmt.Errorf("failed to upsert into vector index: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc := BuildDocument(rec)
		doc.EmbedderVersion = p.embedder.Version()
		doc.ContentHash = ContentHash(doc, doc.EmbedderVersion)

		exists, err := p.store.HasContentHash(ctx, doc.ContentHash)
		if err != nil {
			return err
		}
		if exists {
			result.Skipped++
			metrics.DocumentsProcessed.WithLabelValues(string(source), "skipped").Inc()
			continue
		}

		vec, err := p.embedder.Embed(ctx, EmbeddingText(doc))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
			metrics.DocumentsProcessed.WithLabelValues(string(source), "failed").Inc()
			logger.Warn("Failed to embed record", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		doc.Embedding = vec
		doc.CreatedAt = p.now()

		if err := p.store.UpsertDocumentVector(ctx, &doc); err != nil {
			return err
		}
		result.Embedded[source]++
		metrics.DocumentsProcessed.WithLabelValues(string(source), "embedded").Inc()

		batch = append(batch, doc)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

var whitespace = regexp.MustCompile(`\s+`)

// CleanMarkup strips HTML from free-text record descriptions and collapses
// whitespace. Plain text passes through unchanged apart from spacing.
func CleanMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, li, div, tr").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})

	return strings.TrimSpace(whitespace.ReplaceAllString(doc.Text(), " "))
}

// BuildDocument turns a business record into a retrievable document.
func BuildDocument(rec models.BusinessRecord) models.Document {
	body := CleanMarkup(rec.Description)
	if body == "" {
		body = rec.Title
	}

	fields := make([]models.Field, 0, len(rec.Fields)+2)
	if rec.RecordType != "" {
		fields = append(fields, models.Field{Name: "record_type", Value: rec.RecordType})
	}
	if rec.Department != "" {
		fields = append(fields, models.Field{Name: "department", Value: rec.Department})
	}
	for _, f := range rec.Fields {
		fields = append(fields, models.Field{Name: f.Name, Value: CleanMarkup(f.Value)})
	}

	return models.Document{
		ID:     rec.ID,
		Source: rec.Source,
		Title:  strings.TrimSpace(rec.Title),
		Body:   body,
		Fields: fields,
	}
}

// EmbeddingText is the text the embedder sees for a document.
func EmbeddingText(doc models.Document) string {
	var b strings.Builder
	b.WriteString(doc.Title)
	b.WriteString("\n")
	b.WriteString(doc.Body)
	for _, f := range doc.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// ContentHash identifies a document's content under one embedder version,
// so unchanged records are not embedded twice.
func ContentHash(doc models.Document, embedderVersion string) string {
	h := sha256.New()
	for _, part := range []string{embedderVersion, doc.ID, string(doc.Source), EmbeddingText(doc)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
