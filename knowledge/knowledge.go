// Package knowledge implements chunking, embedding, and hybrid
// vector+keyword retrieval of per-user document chunks.
package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/teamrun/embedder"
	"github.com/opnureyes2-del/teamrun/internal/tokenizer"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
	"github.com/opnureyes2-del/teamrun/vectorstore"
)

// Config holds the chunking targets and the hybrid-score weight.
type Config struct {
	ChunkTargetTokens int     // target ~500 tokens per chunk
	ChunkHardCap      int     // hard cap on chunk size, in tokens
	HybridBeta        float64 // weight given to cosine vs bm25, default 0.6
	Collection        string
	TokenizerModel    string // model name passed to tiktoken-go; falls back to cl100k_base
}

// DefaultConfig returns the stock chunking and scoring parameters.
func DefaultConfig() Config {
	return Config{
		ChunkTargetTokens: 500,
		ChunkHardCap:      800,
		HybridBeta:        0.6,
		Collection:        "knowledge",
		TokenizerModel:    "gpt-4",
	}
}

// Subsystem implements ingest/search against a RecordStore (authoritative
// chunk text + ownership) and a VectorStore (embedding similarity), plus
// an in-process BM25 index kept per user for the keyword half of the
// hybrid score. The index is partitioned by user so one user's document
// volume and term frequencies never influence another user's ranking.
type Subsystem struct {
	store   recordstore.RecordStore
	vectors vectorstore.VectorStore
	embed   embedder.Embedder
	cfg     Config
	tokens  *tokenizer.Counter

	bm25Mu     sync.Mutex
	bm25ByUser map[string]*bm25Index
}

// New creates a Subsystem. The token counter used to size chunks is built
// once from cfg.TokenizerModel and reused for every Ingest call.
func New(store recordstore.RecordStore, vectors vectorstore.VectorStore, embed embedder.Embedder, cfg Config) *Subsystem {
	if cfg.ChunkTargetTokens == 0 {
		cfg = DefaultConfig()
	}
	counter, err := tokenizer.NewCounter(cfg.TokenizerModel)
	if err != nil {
		counter = nil // Counter's nil receiver falls back to a len/4 estimate
	}
	return &Subsystem{store: store, vectors: vectors, embed: embed, cfg: cfg, tokens: counter, bm25ByUser: make(map[string]*bm25Index)}
}

// Ingest chunks text into bounded-size segments, embeds each, and
// stores them under a new document. The caller is responsible for
// producing plain text from whatever source format; document parsing
// happens upstream.
func (s *Subsystem) Ingest(ctx context.Context, userID, name, mime, text string) (*model.KnowledgeDocument, []*model.KnowledgeChunk, error) {
	if userID == "" {
		return nil, nil, runtimeerr.New(runtimeerr.PermissionDenied, "knowledge ingest requires a user_id")
	}

	doc := &model.KnowledgeDocument{DocID: uuid.NewString(), UserID: userID, Name: name, MIME: mime}
	if err := s.store.PutKnowledgeDocument(ctx, doc); err != nil {
		return nil, nil, err
	}

	segments := chunkText(text, s.cfg.ChunkTargetTokens, s.cfg.ChunkHardCap, s.tokens)
	chunks := make([]*model.KnowledgeChunk, 0, len(segments))
	offset := 0
	for i, seg := range segments {
		emb, err := s.embed.Embed(ctx, seg)
		if err != nil {
			return doc, chunks, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "knowledge embedding failed", err)
		}
		chunk := &model.KnowledgeChunk{
			ChunkID:      uuid.NewString(),
			DocID:        doc.DocID,
			UserID:       userID,
			Ordinal:      i,
			Text:         seg,
			Embedding:    emb,
			SourceOffset: offset,
		}
		if err := s.store.PutKnowledgeChunk(ctx, chunk); err != nil {
			return doc, chunks, err
		}
		if err := s.vectors.Upsert(ctx, s.cfg.Collection, chunk.ChunkID, emb, map[string]any{
			"user_id": userID, "doc_id": doc.DocID,
		}); err != nil {
			return doc, chunks, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "knowledge vector upsert failed", err)
		}
		s.bm25For(userID).add(chunk.ChunkID, seg)
		chunks = append(chunks, chunk)
		offset += len(seg)
	}
	return doc, chunks, nil
}

// Search runs the hybrid retrieval:
// score = beta*cosine + (1-beta)*bm25_norm, strictly filtered by
// user_id. A request whose userID is empty is rejected with
// permission_denied.
func (s *Subsystem) Search(ctx context.Context, userID, query string, k int) ([]*model.KnowledgeChunk, error) {
	if userID == "" {
		return nil, runtimeerr.New(runtimeerr.PermissionDenied, "knowledge search requires a user_id")
	}
	if k <= 0 {
		k = 5
	}

	queryEmb, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "knowledge search: embedding failed", err)
	}
	vecResults, err := s.vectors.SearchWithFilter(ctx, s.cfg.Collection, queryEmb, k*4, map[string]any{"user_id": userID})
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "knowledge search: vector store unavailable", err)
	}
	if len(vecResults) == 0 {
		return nil, nil // empty knowledge base is not an error
	}

	bm25Scores := s.bm25For(userID).score(query)

	chunkIDs := make([]string, len(vecResults))
	cosineByID := make(map[string]float64, len(vecResults))
	for i, r := range vecResults {
		chunkIDs[i] = r.ID
		cosineByID[r.ID] = float64(r.Score)
	}
	chunks, err := s.store.GetKnowledgeChunks(ctx, userID, chunkIDs)
	if err != nil {
		return nil, err
	}

	type scored struct {
		chunk *model.KnowledgeChunk
		score float64
	}
	out := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		score := s.cfg.HybridBeta*cosineByID[c.ChunkID] + (1-s.cfg.HybridBeta)*bm25Scores[c.ChunkID]
		out = append(out, scored{c, score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })

	if k > len(out) {
		k = len(out)
	}
	result := make([]*model.KnowledgeChunk, k)
	for i := 0; i < k; i++ {
		result[i] = out[i].chunk
	}
	return result, nil
}

// chunkText splits text into segments targeting targetTokens tokens and
// never exceeding hardCap tokens, breaking on whitespace boundaries and
// measuring size with counter (pkoukk/tiktoken-go; a nil counter falls
// back to Counter's len/4 estimate, so this still works for a model
// tiktoken-go has no encoding for).
func chunkText(text string, targetTokens, hardCap int, counter *tokenizer.Counter) []string {
	if hardCap <= 0 || hardCap < targetTokens {
		hardCap = targetTokens * 2
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var segments []string
	var cur []string
	for _, w := range words {
		trial := append(cur, w)
		if counter.Count(strings.Join(trial, " ")) > hardCap && len(cur) > 0 {
			segments = append(segments, strings.Join(cur, " "))
			cur = []string{w}
			continue
		}
		cur = trial
		if counter.Count(strings.Join(cur, " ")) >= targetTokens {
			segments = append(segments, strings.Join(cur, " "))
			cur = nil
		}
	}
	if len(cur) > 0 {
		segments = append(segments, strings.Join(cur, " "))
	}
	return segments
}

// bm25For returns userID's keyword index, creating it on first use.
func (s *Subsystem) bm25For(userID string) *bm25Index {
	s.bm25Mu.Lock()
	defer s.bm25Mu.Unlock()
	idx, ok := s.bm25ByUser[userID]
	if !ok {
		idx = newBM25Index()
		s.bm25ByUser[userID] = idx
	}
	return idx
}

// bm25Index is a minimal in-process BM25 scorer over chunk text, used
// for the keyword half of Search's hybrid score. No stemming, no
// stopword list; it only has to blend with cosine similarity, it is not
// a standalone search engine.
type bm25Index struct {
	mu       sync.RWMutex
	docs     map[string][]string
	df       map[string]int
	totalLen int
}

func newBM25Index() *bm25Index {
	return &bm25Index{docs: make(map[string][]string), df: make(map[string]int)}
}

func (idx *bm25Index) add(id, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	terms := tokenizeText(text)
	idx.docs[id] = terms
	idx.totalLen += len(terms)
	seen := map[string]bool{}
	for _, t := range terms {
		if !seen[t] {
			idx.df[t]++
			seen[t] = true
		}
	}
}

func (idx *bm25Index) score(query string) map[string]float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	const k1, b = 1.2, 0.75
	scores := make(map[string]float64, len(idx.docs))
	if len(idx.docs) == 0 {
		return scores
	}
	avgLen := float64(idx.totalLen) / float64(len(idx.docs))
	qterms := tokenizeText(query)

	var maxScore float64
	for id, terms := range idx.docs {
		tf := map[string]int{}
		for _, t := range terms {
			tf[t]++
		}
		var s float64
		for _, qt := range qterms {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			n := float64(len(idx.docs))
			df := float64(idx.df[qt])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			denom := f + k1*(1-b+b*float64(len(terms))/avgLen)
			s += idf * (f * (k1 + 1)) / denom
		}
		scores[id] = s
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore > 0 {
		for id := range scores {
			scores[id] /= maxScore // normalize to [0,1] for bm25_norm
		}
	}
	return scores
}

func tokenizeText(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
