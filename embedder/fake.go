package embedder

import "context"

// Fake is a deterministic, hash-based Embedder with no external calls.
// It exists for tests and for local development without a real embedding
// provider configured; the hashing scheme is not a usable similarity
// metric on real text, so production deployments configure a real
// Embedder.
type Fake struct {
	dim int
}

// NewFake creates a Fake embedder producing vectors of dimension dim.
func NewFake(dim int) *Fake {
	if dim <= 0 {
		dim = 8
	}
	return &Fake{dim: dim}
}

var _ Embedder = (*Fake)(nil)

func (f *Fake) Dimension() int { return f.dim }

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	return hashEmbed(text, f.dim), nil
}

func (f *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, f.dim)
	}
	return out, nil
}

// hashEmbed spreads a rolling hash of text across dim float32 buckets, so
// identical and near-identical strings land close together under cosine
// similarity while remaining deterministic across runs.
func hashEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	var hash uint64 = 14695981039346656037 // FNV offset basis
	for i, r := range text {
		hash ^= uint64(r)
		hash *= 1099511628211 // FNV prime
		vec[i%dim] += float32(hash%1000) / 1000
	}
	return vec
}
