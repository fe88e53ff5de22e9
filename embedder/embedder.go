// Package embedder produces the vector embeddings memory/ and knowledge/
// store alongside text. Embedder is the contract every subsystem
// programs against; the concrete embedding provider plugs in behind it.
package embedder

import "context"

// Embedder converts text to vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
