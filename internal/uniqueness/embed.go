package uniqueness

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder turns a statement into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a local, deterministic embedder: canonical unigrams and
// bigrams are feature-hashed into a fixed number of signed buckets and the
// vector is L2-normalised. Synonyms collapse to the same bucket, so "my cat
// is sick" and "my cat is ill" embed identically.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder returns an embedder with dims buckets (minimum 64).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims < 64 {
		dims = 64
	}
	return &HashEmbedder{Dims: dims}
}

const bigramWeight = 0.5

// Embed implements Embedder. The input may be raw or normalised text.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := Tokens(Normalize(text))
	vec := make([]float64, h.Dims)

	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+"_"+tok, bigramWeight)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, h.Dims)
	if norm == 0 {
		// Empty or fully cancelled input; any fixed unit vector will do.
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.Dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
