package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/vector"
	"github.com/govbudget/backend/pkg/logger"
)

const (
	fieldDocID     = "doc_id"
	fieldEmbedding = "embedding"
	fieldSource    = "source"
	fieldTimestamp = "timestamp"
)

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	Dimension      int
	// EmbedderVersion is stored as the collection description and checked on open.
	EmbedderVersion string
}

// Index is an Embedding Index backed by a Zilliz/Milvus collection. Vectors
// are stored L2-normalised and searched by inner product, which equals cosine.
type Index struct {
	client         client.Client
	collectionName string
	vectorDim      int
	version        string
	count          int
}

func NewIndex(ctx context.Context, cfg Config) (*Index, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create milvus client: %v", vector.ErrUnavailable, err)
	}

	z := &Index{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.Dimension,
		version:        cfg.EmbedderVersion,
	}
	if err := z.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("Zilliz/Milvus index initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
		zap.String("embedder_version", z.version),
		zap.Int("documents", z.count),
	)
	return z, nil
}

func (z *Index) Close() error {
	return z.client.Close()
}

func (z *Index) Version() string { return z.version }
func (z *Index) Dimension() int  { return z.vectorDim }
func (z *Index) Len() int        { return z.count }

func (z *Index) ensureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("%w: failed to check collection: %v", vector.ErrUnavailable, err)
	}

	if has {
		coll, err := z.client.DescribeCollection(ctx, z.collectionName)
		if err != nil {
			return fmt.Errorf("%w: failed to describe collection: %v", vector.ErrUnavailable, err)
		}
		if coll.Schema != nil && coll.Schema.Description != "" {
			z.version = coll.Schema.Description
		}
		if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
			return fmt.Errorf("%w: failed to load collection: %v", vector.ErrUnavailable, err)
		}
		return z.refreshCount(ctx)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    z.version,
		Fields: []*entity.Field{
			{
				Name:       fieldDocID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(z.vectorDim),
				},
			},
			{
				Name:     fieldSource,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     fieldTimestamp,
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexFlat(entity.IP)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Index) refreshCount(ctx context.Context) error {
	stats, err := z.client.GetCollectionStatistics(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("%w: failed to read collection statistics: %v", vector.ErrUnavailable, err)
	}
	n, _ := strconv.Atoi(stats["row_count"])
	z.count = n
	return nil
}

// Upsert writes documents into the collection. Existing ids are deleted first.
func (z *Index) Upsert(ctx context.Context, docs []models.Document) error {
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	sources := make([]string, len(docs))
	timestamps := make([]int64, len(docs))

	for i, d := range docs {
		if len(d.Embedding) != z.vectorDim {
			return fmt.Errorf("%w: document %s has %d, collection has %d", vector.ErrDimension, d.ID, len(d.Embedding), z.vectorDim)
		}
		ids[i] = d.ID
		embeddings[i] = vector.Normalize(d.Embedding)
		sources[i] = string(d.Source)
		timestamps[i] = time.Now().Unix()
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldDocID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldSource, sources),
		entity.NewColumnInt64(fieldTimestamp, timestamps),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Vectors upserted", zap.Int("count", len(docs)))
	return z.refreshCount(ctx)
}

// Milvus breaks score ties at the cut-off arbitrarily, so Nearest asks for a
// few extra hits and applies the id tie-break itself.
const (
	tieWindow   = 8
	maxSearchTK = 16384
)

func searchLimit(k int) int {
	n := k + tieWindow
	if n > maxSearchTK {
		n = maxSearchTK
	}
	return n
}

// rankMatches orders by score then id and keeps the first k.
func rankMatches(matches []vector.Match, k int) []vector.Match {
	vector.SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func (z *Index) Nearest(ctx context.Context, query []float32, k int) ([]vector.Match, error) {
	if len(query) != z.vectorDim {
		return nil, fmt.Errorf("%w: query has %d, collection has %d", vector.ErrDimension, len(query), z.vectorDim)
	}
	if k <= 0 {
		return []vector.Match{}, nil
	}

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		[]string{fieldDocID},
		[]entity.Vector{entity.FloatVector(vector.Normalize(query))},
		fieldEmbedding,
		entity.IP,
		searchLimit(k),
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search failed: %v", vector.ErrUnavailable, err)
	}

	matches := make([]vector.Match, 0, k)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldDocID)
		if idCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			val, err := idCol.Get(i)
			if err != nil {
				continue
			}
			id, ok := val.(string)
			if !ok {
				continue
			}
			matches = append(matches, vector.Match{ID: id, Score: float64(sr.Scores[i])})
		}
	}

	matches = rankMatches(matches, k)

	logger.Debug("Vector search completed", zap.Int("topK", k), zap.Int("results", len(matches)))
	return matches, nil
}
