package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Chromem implements VectorStore using chromem-go, an embedded pure-Go
// vector database. Zero external dependencies, optional gzip-compressed
// file persistence; single-process only.
type Chromem struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	identity    chromem.EmbeddingFunc
}

// ChromemConfig configures the chromem-go backend.
type ChromemConfig struct {
	PersistPath string `yaml:"persist_path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
}

// NewChromem opens (or creates) a chromem-go database.
func NewChromem(cfg ChromemConfig) (*Chromem, error) {
	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: creating persist dir: %w", err)
		}
		dbPath := cfg.PersistPath + "/vectors.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}
		var err error
		if db, err = chromem.NewPersistentDB(dbPath, cfg.Compress); err != nil {
			return nil, fmt.Errorf("vectorstore: opening persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectorstore: chromem embedding func invoked; vectors must be supplied pre-computed")
	}

	return &Chromem{db: db, collections: make(map[string]*chromem.Collection), identity: identity}, nil
}

var _ VectorStore = (*Chromem)(nil)

func (c *Chromem) getCollection(name string) (*chromem.Collection, error) {
	c.mu.RLock()
	if col, ok := c.collections[name]; ok {
		c.mu.RUnlock()
		return col, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		return col, nil
	}
	col, err := c.db.GetOrCreateCollection(name, nil, c.identity)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get/create collection %q: %w", name, err)
	}
	c.collections[name] = col
	return col, nil
}

func (c *Chromem) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := c.getCollection(collection)
	if err != nil {
		return err
	}
	strMeta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMeta[k] = fmt.Sprint(v)
	}
	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}
	doc := chromem.Document{ID: id, Content: content, Metadata: strMeta, Embedding: vector}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("vectorstore: upsert: %w", err)
	}
	return nil
}

func (c *Chromem) Delete(ctx context.Context, collection, id string) error {
	col, err := c.getCollection(collection)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, id)
}

func (c *Chromem) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return c.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (c *Chromem) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := c.getCollection(collection)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	var whereFilter map[string]string
	if len(filter) > 0 {
		whereFilter = make(map[string]string, len(filter))
		for k, v := range filter {
			whereFilter[k] = fmt.Sprint(v)
		}
	}
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, n, whereFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		md := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		out = append(out, Result{ID: r.ID, Score: r.Similarity, Metadata: md})
	}
	return out, nil
}
