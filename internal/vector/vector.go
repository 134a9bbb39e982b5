package vector

import (
	"context"
	"errors"
	"math"
	"sort"
)

var (
	// ErrUnavailable means the index backend cannot be reached.
	ErrUnavailable = errors.New("embedding index unavailable")
	// ErrDimension is returned for a vector whose length differs from the index.
	ErrDimension = errors.New("vector dimension mismatch")
)

// Match is one nearest-neighbour hit.
type Match struct {
	ID    string
	Score float64
}

// Index is a similarity lookup over document vectors.
type Index interface {
	// Version is the embedder version the vectors were produced with.
	Version() string
	Dimension() int
	Len() int
	// Nearest returns up to k matches by cosine similarity, score descending
	// and id ascending on ties.
	Nearest(ctx context.Context, query []float32, k int) ([]Match, error)
}

func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize returns a unit-length copy of v, or a zero copy when v has no length.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// SortMatches orders by score descending, then id ascending.
func SortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}
