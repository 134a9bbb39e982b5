// Package app assembles the query pipeline from configuration. It is shared
// by the API server and the command-line tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/cache/redis"
	"github.com/govbudget/backend/internal/dataset"
	"github.com/govbudget/backend/internal/embedding"
	"github.com/govbudget/backend/internal/evidence"
	"github.com/govbudget/backend/internal/intent"
	"github.com/govbudget/backend/internal/llm"
	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/internal/query"
	"github.com/govbudget/backend/internal/ragpath"
	"github.com/govbudget/backend/internal/sqlpath"
	"github.com/govbudget/backend/internal/storage/sqlite"
	"github.com/govbudget/backend/internal/vector"
	"github.com/govbudget/backend/internal/vector/memory"
	"github.com/govbudget/backend/internal/vector/zilliz"
	"github.com/govbudget/backend/pkg/config"
	"github.com/govbudget/backend/pkg/logger"
)

type App struct {
	Config   *config.Config
	DB       *sqlite.Client
	Store    *dataset.Store
	Cache    *redis.Client // nil unless redis is enabled
	LLM      *llm.Client   // nil unless an API key is configured
	Embedder embedding.Embedder
	Index    vector.Index
	Milvus   *zilliz.Index // nil for the memory backend
	Engine   *query.Engine

	closers []func() error
}

// Open connects the backing stores and the optional providers without
// loading the dataset. The vectorize and seed tools stop here.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite client: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := db.InitSchema(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewClient(ctx, redis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
		} else {
			a.Cache = cache
			a.closers = append(a.closers, cache.Close)
		}
	}

	if cfg.LLMEnabled() {
		a.LLM = llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.Embedding.Model,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
			Timeout:        cfg.LLMTimeout(),
		})
	}

	embedder, err := a.newEmbedder()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Embedder = embedder

	if cfg.Vector.Backend == "milvus" {
		idx, err := zilliz.NewIndex(ctx, zilliz.Config{
			Endpoint:        cfg.Vector.Endpoint,
			APIKey:          cfg.Vector.APIKey,
			CollectionName:  cfg.Vector.CollectionName,
			Dimension:       embedder.Dimension(),
			EmbedderVersion: embedder.Version(),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Milvus = idx
		a.closers = append(a.closers, idx.Close)
	}

	return a, nil
}

func (a *App) newEmbedder() (embedding.Embedder, error) {
	cfg := a.Config
	switch cfg.Embedding.Provider {
	case "hash":
		return embedding.NewHashEmbedder(cfg.Embedding.Dimension), nil
	case "openai":
		if a.LLM == nil {
			return nil, errors.New("the openai embedding provider requires llm.apiKey")
		}
		var cache embedding.Cache
		if a.Cache != nil {
			cache = a.Cache
		}
		return embedding.NewRemoteEmbedder(a.LLM, cache, embedding.RemoteConfig{
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.LLMTimeout(),
			CacheTTL:  time.Duration(cfg.Redis.TTLHours) * time.Hour,
		}), nil
	}
	return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
}

// Build opens the app, loads the dataset and wires the query engine.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.Store = dataset.NewStore()
	if err := a.Store.Load(ctx, a.DB); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	docs, err := a.Store.Documents()
	if err != nil {
		a.Close()
		return nil, err
	}
	metrics.DocumentsIndexed.Set(float64(len(docs)))

	if a.Milvus != nil {
		a.Index = a.Milvus
	} else {
		idx, err := memory.NewIndex(a.Embedder.Version(), a.Embedder.Dimension(), docs)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to build document index (re-run vectorize with --force after changing the embedder): %w", err)
		}
		a.Index = idx
	}

	var model intent.LLM
	var narrator query.Narrator
	if a.LLM != nil {
		model = a.LLM
		if cfg.LLM.Narrate {
			narrator = a.LLM
		}
	}

	classifier := intent.NewClassifier(intent.Config{
		MaxSlotWindow:     cfg.Classifier.MaxSlotWindow,
		DefaultFiscalYear: cfg.SQL.DefaultFiscalYear,
		DefaultTopN:       cfg.SQL.DefaultTopN,
		Aliases:           cfg.Classifier.Aliases,
		LLMTimeout:        cfg.LLMTimeout(),
	}, a.Store, intent.NewProseDetector(), model)

	sqlExec := sqlpath.NewExecutor(a.Store, sqlpath.Config{
		DefaultFiscalYear: cfg.SQL.DefaultFiscalYear,
		DefaultTopN:       cfg.SQL.DefaultTopN,
	})
	ragExec := ragpath.NewExecutor(a.Embedder, a.Index, a.Store, ragpath.Config{
		TopK:          cfg.RAG.TopK,
		MinSimilarity: cfg.RAG.MinSimilarity,
		SnippetLength: cfg.RAG.SnippetLength,
	})

	var recorder query.Recorder
	if cfg.Evidence.Persist {
		recorder = evidence.NewRecorder(a.DB, 0)
	}

	a.Engine = query.NewEngine(classifier, sqlExec, ragExec, narrator, recorder, query.Config{
		TopK:           cfg.RAG.TopK,
		NarrateTimeout: cfg.LLMTimeout(),
	})

	logger.Info("Query pipeline ready",
		zap.String("embedder", a.Embedder.Version()),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.Int("documents", a.Index.Len()),
		zap.Bool("llm", a.LLM != nil),
		zap.Bool("narrate", narrator != nil),
		zap.Bool("evidence_persist", recorder != nil),
	)
	return a, nil
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
