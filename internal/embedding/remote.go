package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/govbudget/backend/pkg/logger"
	"github.com/govbudget/backend/pkg/utils"
)

// Provider is a remote embedding API.
type Provider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Cache stores embeddings by key. Misses return ok=false with a nil error.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

type RemoteConfig struct {
	Model     string
	Dimension int
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// RemoteEmbedder calls a provider under a timeout and caches results. Cache
// failures are logged and ignored.
type RemoteEmbedder struct {
	provider Provider
	cache    Cache
	cfg      RemoteConfig
}

// NewRemoteEmbedder builds an embedder over provider; cache may be nil.
func NewRemoteEmbedder(provider Provider, cache Cache, cfg RemoteConfig) *RemoteEmbedder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	return &RemoteEmbedder{provider: provider, cache: cache, cfg: cfg}
}

func (e *RemoteEmbedder) Version() string {
	return fmt.Sprintf("openai-%s-%d", e.cfg.Model, e.cfg.Dimension)
}

func (e *RemoteEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.Version() + ":" + utils.HashString(text)

	if e.cache != nil {
		cached, ok, err := e.cache.GetEmbedding(ctx, key)
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		} else if ok && len(cached) == e.cfg.Dimension {
			return cached, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	vec, err := e.provider.GenerateEmbedding(callCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if len(vec) != e.cfg.Dimension {
		return nil, fmt.Errorf("%w: expected dimension %d, got %d", ErrUpstream, e.cfg.Dimension, len(vec))
	}

	if e.cache != nil {
		if err := e.cache.SetEmbedding(ctx, key, vec, e.cfg.CacheTTL); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return vec, nil
}
