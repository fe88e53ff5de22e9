// Package vectorstore defines the embedding-similarity search contract
// used by memory/ and knowledge/: a provider-agnostic interface with
// swappable concrete backends (in-memory, chromem, qdrant).
package vectorstore

import "context"

// Result is one similarity match.
type Result struct {
	ID       string
	Score    float32 // cosine similarity, higher is better
	Metadata map[string]any
}

// VectorStore stores vectors in named collections and searches them by
// cosine similarity. memory/ and knowledge/ each keep one collection
// per subsystem and isolate users with a user_id metadata filter, so
// every query against a shared collection must go through
// SearchWithFilter with the caller's user_id.
type VectorStore interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	// SearchWithFilter restricts results to points whose metadata matches
	// every key/value in filter (exact match, AND semantics).
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)
}

// ProviderType identifies a vector backend implementation, selected by
// configuration.
type ProviderType string

const (
	ProviderMemory  ProviderType = "memory"
	ProviderChromem ProviderType = "chromem"
	ProviderQdrant  ProviderType = "qdrant"
)

// Config selects and configures a VectorStore backend.
type Config struct {
	Type    ProviderType   `yaml:"type"`
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`
	Qdrant  *QdrantConfig  `yaml:"qdrant,omitempty"`
}

// New constructs a VectorStore from cfg.
func New(cfg Config) (VectorStore, error) {
	switch cfg.Type {
	case "", ProviderMemory:
		return NewInMemory(), nil
	case ProviderChromem:
		c := ChromemConfig{}
		if cfg.Chromem != nil {
			c = *cfg.Chromem
		}
		return NewChromem(c)
	case ProviderQdrant:
		if cfg.Qdrant == nil {
			return nil, errConfig("qdrant configuration is required")
		}
		return NewQdrant(*cfg.Qdrant)
	default:
		return nil, errConfig("unknown vector store provider: " + string(cfg.Type))
	}
}

type configError string

func (e configError) Error() string { return string(e) }
func errConfig(msg string) error    { return configError(msg) }
