package memory

import (
	"context"
	"fmt"

	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/vector"
)

// Index is a brute-force cosine index built once from a static document set.
// It is never mutated after construction, so reads need no locking.
type Index struct {
	version   string
	dimension int
	ids       []string
	vectors   [][]float32
}

// NewIndex builds an index of dimension dim. Every document must carry an
// embedding of that length produced by the embedder named version.
func NewIndex(version string, dim int, docs []models.Document) (*Index, error) {
	idx := &Index{
		version:   version,
		dimension: dim,
		ids:       make([]string, 0, len(docs)),
		vectors:   make([][]float32, 0, len(docs)),
	}

	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if len(d.Embedding) != dim {
			return nil, fmt.Errorf("%w: document %s has %d, index has %d", vector.ErrDimension, d.ID, len(d.Embedding), dim)
		}
		if d.EmbedderVersion != "" && d.EmbedderVersion != version {
			return nil, fmt.Errorf("document %s embedded with %q, index uses %q", d.ID, d.EmbedderVersion, version)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate document id %s", d.ID)
		}
		seen[d.ID] = struct{}{}

		idx.ids = append(idx.ids, d.ID)
		idx.vectors = append(idx.vectors, vector.Normalize(d.Embedding))
	}
	return idx, nil
}

func (i *Index) Version() string { return i.version }
func (i *Index) Dimension() int  { return i.dimension }
func (i *Index) Len() int        { return len(i.ids) }

func (i *Index) Nearest(_ context.Context, query []float32, k int) ([]vector.Match, error) {
	if len(query) != i.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vector.ErrDimension, len(query), i.dimension)
	}
	if k <= 0 || len(i.ids) == 0 {
		return []vector.Match{}, nil
	}

	q := vector.Normalize(query)
	matches := make([]vector.Match, len(i.ids))
	for j, v := range i.vectors {
		var dot float64
		for n := range v {
			dot += float64(v[n]) * float64(q[n])
		}
		matches[j] = vector.Match{ID: i.ids[j], Score: dot}
	}

	vector.SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
