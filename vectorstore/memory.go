package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// InMemory is a brute-force, cosine-similarity VectorStore. It is the
// reference implementation the rest of the core is tested against;
// sufficient for single-process deployments and for collections in the
// thousands-of-points range.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]map[string]point
}

type point struct {
	vector   []float32
	metadata map[string]any
}

// NewInMemory creates an empty in-memory VectorStore.
func NewInMemory() *InMemory {
	return &InMemory{collections: make(map[string]map[string]point)}
}

var _ VectorStore = (*InMemory)(nil)

func (s *InMemory) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]point)
		s.collections[collection] = c
	}
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	c[id] = point{vector: vec, metadata: md}
	return nil
}

func (s *InMemory) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[collection]; ok {
		delete(c, id)
	}
	return nil
}

func (s *InMemory) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return s.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (s *InMemory) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.collections[collection]
	out := make([]Result, 0, len(c))
	for id, p := range c {
		if !matches(p.metadata, filter) {
			continue
		}
		out = append(out, Result{ID: id, Score: cosine(vector, p.vector), Metadata: p.metadata})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func matches(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if got, ok := metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}
