package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	s := 0.0
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestHashEmbedder_DeterministicAndNormalised(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Procurement contract with Supplier Company 1")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Procurement contract with Supplier Company 1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, math.Sqrt(dot(a, a)), 1e-5)
	assert.Equal(t, "hash-v1-128", e.Version())
}

func TestHashEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewHashEmbedder(16)

	v, err := e.Embed(context.Background(), "find the details about")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestHashEmbedder_LookupWordsDoNotAffectSimilarity(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "Find details about Supplier Company 1")
	d, _ := e.Embed(ctx, "supplier company 1")

	assert.InDelta(t, 1.0, dot(q, d), 1e-5)
}

func TestCheckVersion(t *testing.T) {
	e := NewHashEmbedder(64)

	assert.NoError(t, CheckVersion(e, "hash-v1-64"))
	assert.NoError(t, CheckVersion(e, ""))
	assert.ErrorIs(t, CheckVersion(e, "hash-v1-128"), ErrVersionMismatch)
}

type fakeProvider struct {
	calls int
	vec   []float32
	err   error
	delay time.Duration
}

func (p *fakeProvider) GenerateEmbedding(ctx context.Context, _ string) ([]float32, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.vec, p.err
}

type mapCache struct {
	m   map[string][]float32
	err error
}

func (c *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.m[key] = v
	return nil
}

func TestRemoteEmbedder_CachesByVersionAndText(t *testing.T) {
	provider := &fakeProvider{vec: []float32{1, 0, 0}}
	cache := &mapCache{m: map[string][]float32{}}
	e := NewRemoteEmbedder(provider, cache, RemoteConfig{Model: "m", Dimension: 3})

	for i := 0; i < 3; i++ {
		v, err := e.Embed(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, v)
	}
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, "openai-m-3", e.Version())
}

func TestRemoteEmbedder_FailuresAreUpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		timeout  time.Duration
	}{
		{name: "provider error", provider: &fakeProvider{err: errors.New("502")}},
		{name: "wrong dimension", provider: &fakeProvider{vec: []float32{1}}},
		{name: "timeout", provider: &fakeProvider{vec: []float32{1, 0, 0}, delay: time.Second}, timeout: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &mapCache{err: errors.New("redis down")}
			e := NewRemoteEmbedder(tt.provider, cache, RemoteConfig{Model: "m", Dimension: 3, Timeout: tt.timeout})

			_, err := e.Embed(context.Background(), "q")
			assert.ErrorIs(t, err, ErrUpstream)
		})
	}
}
