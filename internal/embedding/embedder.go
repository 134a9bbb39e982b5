package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Embedder turns text into a fixed-length vector. Version identifies the
// exact function; vectors from different versions are not comparable.
type Embedder interface {
	Version() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrVersionMismatch means the query embedder differs from the one that built the index.
	ErrVersionMismatch = errors.New("embedder version does not match index")
	// ErrUpstream wraps failures of a remote embedding provider.
	ErrUpstream = errors.New("embedding provider failed")
)

// CheckVersion fails when e cannot be used against an index built with indexVersion.
func CheckVersion(e Embedder, indexVersion string) error {
	if indexVersion == "" || e.Version() == indexVersion {
		return nil
	}
	return fmt.Errorf("%w: query embedder %q, index %q", ErrVersionMismatch, e.Version(), indexVersion)
}
