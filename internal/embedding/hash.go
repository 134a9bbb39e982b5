package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashEmbedder is a local, deterministic bag-of-words embedder. Tokens are
// hashed into Dimension buckets with a sign bit, weighted by 1+ln(tf) and
// L2-normalised, so cosine similarity reduces to a dot product.
type HashEmbedder struct {
	dim          int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{
		dim:          dim,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)*`),
		stopwords:    defaultStopwords(),
	}
}

func (e *HashEmbedder) Version() string {
	return fmt.Sprintf("hash-v1-%d", e.dim)
}

func (e *HashEmbedder) Dimension() int { return e.dim }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, e.dim)

	tf := make(map[string]int)
	for _, tok := range e.Tokenize(text) {
		tf[tok]++
	}
	for tok, count := range tf {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()

		weight := 1 + math.Log(float64(count))
		if sum&(1<<31) != 0 {
			weight = -weight
		}
		vec[int(sum%uint32(e.dim))] += weight
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dim)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// Tokenize lower-cases text and drops stopwords, including the lookup verbs
// users put in front of the thing they are searching for.
func (e *HashEmbedder) Tokenize(text string) []string {
	raw := e.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := e.stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "it", "this", "that", "these", "those", "from",
		"into", "about", "what", "which", "who", "me", "my", "i", "you", "any", "all", "can", "please",
		"find", "details", "detail", "tell", "show", "information", "record", "records", "give", "get",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
