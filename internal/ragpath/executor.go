package ragpath

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/embedding"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/vector"
	"github.com/govbudget/backend/pkg/logger"
)

// Documents resolves index ids to stored documents.
type Documents interface {
	Document(id string) (models.Document, error)
}

type Hit struct {
	ID      string              `json:"id"`
	Source  models.RecordSource `json:"source"`
	Title   string              `json:"title"`
	Snippet string              `json:"snippet"`
	Score   float64             `json:"score"`
}

type Result struct {
	Documents   []Hit `json:"documents"`
	RecordCount int   `json:"record_count"`
}

type Config struct {
	TopK int
	// MinSimilarity excludes hits scoring below it.
	MinSimilarity float64
	SnippetLength int
}

type Executor struct {
	embedder embedding.Embedder
	index    vector.Index
	docs     Documents
	cfg      Config
}

func NewExecutor(embedder embedding.Embedder, index vector.Index, docs Documents, cfg Config) *Executor {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = 200
	}
	return &Executor{embedder: embedder, index: index, docs: docs, cfg: cfg}
}

func (e *Executor) DefaultTopK() int { return e.cfg.TopK }

// Execute embeds the raw query text and returns at most topK documents,
// highest similarity first. topK <= 0 uses the configured default.
func (e *Executor) Execute(ctx context.Context, in intent.QueryIntent, topK int) (*Result, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	empty := &Result{Documents: []Hit{}}

	if err := embedding.CheckVersion(e.embedder, e.index.Version()); err != nil {
		return nil, err
	}
	if e.index.Len() == 0 {
		return empty, nil
	}

	vec, err := e.embedder.Embed(ctx, in.RawText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if isZero(vec) {
		return empty, nil
	}

	matches, err := e.index.Nearest(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		if m.Score < e.cfg.MinSimilarity {
			continue
		}
		doc, err := e.docs.Document(m.ID)
		if err != nil {
			logger.Warn("Indexed document missing from store", zap.String("doc_id", m.ID), zap.Error(err))
			continue
		}
		hits = append(hits, Hit{
			ID:      doc.ID,
			Source:  doc.Source,
			Title:   doc.Title,
			Snippet: Snippet(doc.Body, e.cfg.SnippetLength),
			Score:   m.Score,
		})
	}

	return &Result{Documents: hits, RecordCount: len(hits)}, nil
}

// Snippet returns the first n runes of body, with "..." appended when cut.
func Snippet(body string, n int) string {
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	runes := []rune(body)
	return string(runes[:n]) + "..."
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
