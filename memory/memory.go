// Package memory implements per-user extraction, deduplication,
// topic-filtered retrieval, and background merge of durable memories.
package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/teamrun/embedder"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
	"github.com/opnureyes2-del/teamrun/vectorstore"
)

// Config holds the dedup/merge thresholds and the retrieval score's
// alpha weight.
type Config struct {
	DedupCosine   float64 // default 0.90
	DedupJaccard  float64 // default 0.6
	MergeCosine   float64 // default 0.95
	RetrieveAlpha float64 // weight given to cosine vs topic overlap, default 0.7
	Collection    string  // vectorstore collection name, default "memories"
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		DedupCosine:   0.90,
		DedupJaccard:  0.6,
		MergeCosine:   0.95,
		RetrieveAlpha: 0.7,
		Collection:    "memories",
	}
}

// Candidate is one extraction-pass output before dedup.
type Candidate struct {
	Topics []string
	Text   string
}

// Extractor turns a compact run transcript into zero or more memory
// candidates. The extraction pass itself is an LLM call in a full
// deployment; Subsystem depends only on this narrow interface and tests
// supply a scripted Extractor.
type Extractor interface {
	Extract(ctx context.Context, userID, transcript string) ([]Candidate, error)
}

// Subsystem manages memories against a RecordStore (authoritative
// text/topics/metadata) and a VectorStore (cosine similarity search).
type Subsystem struct {
	store   recordstore.RecordStore
	vectors vectorstore.VectorStore
	embed   embedder.Embedder
	extract Extractor
	cfg     Config

	// writeLocks serializes Create per user so dedup decisions are made
	// against a consistent snapshot.
	writeLocks sync.Map // userID -> *sync.Mutex
}

// New creates a Subsystem. extract may be nil if the caller only uses
// Retrieve/Optimize (e.g. a test that seeds memories directly).
func New(store recordstore.RecordStore, vectors vectorstore.VectorStore, embed embedder.Embedder, extract Extractor, cfg Config) *Subsystem {
	if cfg.DedupCosine == 0 {
		cfg = DefaultConfig()
	}
	return &Subsystem{store: store, vectors: vectors, embed: embed, extract: extract, cfg: cfg}
}

func (s *Subsystem) lockFor(userID string) *sync.Mutex {
	l, _ := s.writeLocks.LoadOrStore(userID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Create runs the extraction pass over transcript and persists every
// candidate that survives dedup. Errors from embedding/extraction are
// non-fatal to the run; callers should log the returned error and
// continue, not abort the run.
func (s *Subsystem) Create(ctx context.Context, userID, sourceRunID, transcript string) ([]*model.Memory, error) {
	if s.extract == nil {
		return nil, runtimeerr.New(runtimeerr.Internal, "memory: no Extractor configured")
	}
	candidates, err := s.extract.Extract(ctx, userID, transcript)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "memory extraction failed", err)
	}

	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.store.GetMemoriesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var live []*model.Memory
	for _, m := range existing {
		if !m.IsArchived() {
			live = append(live, m)
		}
	}

	var created []*model.Memory
	for _, c := range candidates {
		emb, err := s.embed.Embed(ctx, c.Text)
		if err != nil {
			return created, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "memory embedding failed", err)
		}
		if s.isDuplicate(c.Text, emb, live) {
			continue
		}
		m := &model.Memory{
			MemoryID:    uuid.NewString(),
			UserID:      userID,
			Topics:      normalizeTopics(c.Topics),
			Text:        c.Text,
			Embedding:   emb,
			SourceRunID: sourceRunID,
			CreatedAt:   time.Now(),
		}
		if err := s.store.PutMemory(ctx, m); err != nil {
			return created, err
		}
		if err := s.vectors.Upsert(ctx, s.cfg.Collection, m.MemoryID, emb, map[string]any{
			"user_id": userID, "topics": m.Topics,
		}); err != nil {
			return created, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "memory vector upsert failed", err)
		}
		live = append(live, m)
		created = append(created, m)
	}
	return created, nil
}

// isDuplicate applies the two-threshold rule: a candidate is a
// duplicate when both cosine and token-Jaccard similarity against some
// existing non-archived memory clear their thresholds.
func (s *Subsystem) isDuplicate(text string, emb []float32, existing []*model.Memory) bool {
	tokens := tokenize(text)
	for _, m := range existing {
		if cosine(emb, m.Embedding) >= s.cfg.DedupCosine && jaccard(tokens, tokenize(m.Text)) >= s.cfg.DedupJaccard {
			return true
		}
	}
	return false
}

// Retrieve searches userID's non-archived memories. When topics is
// non-empty it acts as a structural pre-filter: any memory sharing no
// listed topic is excluded before ranking. Survivors are ranked by
// alpha*cosine + (1-alpha)*topic_overlap.
//
// Retrieval is best-effort: on embedding or store failure it returns an
// empty slice and a non-nil warning error rather than failing the
// caller; callers should emit a warning event and continue.
func (s *Subsystem) Retrieve(ctx context.Context, userID string, topics []string, queryText string, k int) ([]*model.Memory, error) {
	if userID == "" {
		return nil, runtimeerr.New(runtimeerr.PermissionDenied, "memory retrieve requires a user_id")
	}
	topics = normalizeTopics(topics)

	all, err := s.store.GetMemoriesByUser(ctx, userID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "memory retrieve: store unavailable", err)
	}

	var queryEmb []float32
	if queryText != "" && s.embed != nil {
		queryEmb, err = s.embed.Embed(ctx, queryText)
		if err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.UpstreamUnavailable, "memory retrieve: embedding failed", err)
		}
	}

	type scored struct {
		m     *model.Memory
		score float64
	}
	var candidates []scored
	for _, m := range all {
		if m.IsArchived() {
			continue
		}
		if len(topics) > 0 && !hasAnyTopic(m.Topics, topics) {
			continue
		}
		cos := 0.0
		if queryEmb != nil {
			cos = float64(cosine(queryEmb, m.Embedding))
		}
		overlap := topicOverlap(m.Topics, topics)
		score := s.cfg.RetrieveAlpha*cos + (1-s.cfg.RetrieveAlpha)*overlap
		candidates = append(candidates, scored{m, score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	out := make([]*model.Memory, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, candidates[i].m)
	}
	return out, nil
}

// Optimize merges userID's memories whose cosine similarity clears the
// merge threshold into one canonical memory (unioned topics, the longer
// text); originals are archived, not deleted. The batching key is
// always a single userID, so a merge can never span users.
func (s *Subsystem) Optimize(ctx context.Context, userID string) (merged int, err error) {
	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	all, err := s.store.GetMemoriesByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var live []*model.Memory
	for _, m := range all {
		if !m.IsArchived() {
			live = append(live, m)
		}
	}

	archived := make(map[string]bool)
	for i := 0; i < len(live); i++ {
		if archived[live[i].MemoryID] {
			continue
		}
		group := []*model.Memory{live[i]}
		for j := i + 1; j < len(live); j++ {
			if archived[live[j].MemoryID] {
				continue
			}
			if cosine(live[i].Embedding, live[j].Embedding) >= s.cfg.MergeCosine {
				group = append(group, live[j])
			}
		}
		if len(group) < 2 {
			continue
		}

		canonical := group[0]
		topicSet := map[string]bool{}
		for _, m := range group {
			for _, t := range m.Topics {
				topicSet[t] = true
			}
			if len(m.Text) > len(canonical.Text) {
				canonical = m
			}
		}
		topics := make([]string, 0, len(topicSet))
		for t := range topicSet {
			topics = append(topics, t)
		}
		sort.Strings(topics)

		merged0 := &model.Memory{
			MemoryID:    uuid.NewString(),
			UserID:      userID,
			Topics:      topics,
			Text:        canonical.Text,
			Embedding:   canonical.Embedding,
			SourceRunID: canonical.SourceRunID,
			CreatedAt:   time.Now(),
		}
		if err := s.store.PutMemory(ctx, merged0); err != nil {
			return merged, err
		}
		now := time.Now()
		for _, m := range group {
			if err := s.store.ArchiveMemory(ctx, m.MemoryID, now); err != nil {
				return merged, err
			}
			archived[m.MemoryID] = true
		}
		merged++
	}
	return merged, nil
}

// RunOptimizerLoop periodically calls Optimize for every user userIDs
// returns, until ctx is cancelled. userIDs is called fresh each tick so
// newly active users are picked up without a restart.
func (s *Subsystem) RunOptimizerLoop(ctx context.Context, interval time.Duration, userIDs func() []string) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range userIDs() {
				if _, err := s.Optimize(ctx, userID); err != nil {
					slog.Error("memory optimizer: merge failed", "user_id", userID, "error", err)
				}
			}
		}
	}
}

func normalizeTopics(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.ReplaceAll(t, " ", "_")
		t = strings.ReplaceAll(t, "-", "_")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func hasAnyTopic(memTopics, want []string) bool {
	set := make(map[string]bool, len(memTopics))
	for _, t := range memTopics {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

func topicOverlap(memTopics, want []string) float64 {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]bool, len(memTopics))
	for _, t := range memTopics {
		set[t] = true
	}
	matched := 0
	for _, t := range want {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
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
