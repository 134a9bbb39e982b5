package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/govbudget/backend/internal/metrics"
	"github.com/govbudget/backend/pkg/logger"
)

type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type Client struct {
	client *redis.Client
	prefix string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{client: client, prefix: prefixOrDefault(cfg.KeyPrefix)}, nil
}

func prefixOrDefault(p string) string {
	if p == "" {
		return "budget_chat"
	}
	return p
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, kind, id)
}

// SetEmbedding stores a vector under key, which already carries the
// embedder version.
func (c *Client) SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, c.key("embedding", key), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("key", key))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.key("embedding", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	metrics.CacheHits.WithLabelValues("embedding").Inc()
	return embedding, true, nil
}

// SetJSON caches a derived view, such as a budget summary.
func (c *Client) SetJSON(ctx context.Context, kind, id string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	if err := c.client.Set(ctx, c.key(kind, id), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s cache: %w", kind, err)
	}
	return nil
}

func (c *Client) GetJSON(ctx context.Context, kind, id string, out any) (bool, error) {
	data, err := c.client.Get(ctx, c.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(kind).Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s cache: %w", kind, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}

	metrics.CacheHits.WithLabelValues(kind).Inc()
	return true, nil
}

// Invalidate removes every cached entry of kind, e.g. after a reseed.
func (c *Client) Invalidate(ctx context.Context, kind string) error {
	iter := c.client.Scan(ctx, 0, c.key(kind, "*"), 0).Iterator()
	removed := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Cache invalidated", zap.String("kind", kind), zap.Int("removed", removed))
	return nil
}
