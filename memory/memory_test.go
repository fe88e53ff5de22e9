package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/teamrun/embedder"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/vectorstore"
)

func memoryFor(userID string, topics []string, text string, emb []float32) *model.Memory {
	return &model.Memory{
		MemoryID:  uuid.NewString(),
		UserID:    userID,
		Topics:    normalizeTopics(topics),
		Text:      text,
		Embedding: emb,
	}
}

type scriptedExtractor struct {
	candidates []Candidate
}

func (e *scriptedExtractor) Extract(ctx context.Context, userID, transcript string) ([]Candidate, error) {
	return e.candidates, nil
}

func newTestSubsystem(extractor Extractor) *Subsystem {
	return New(recordstore.New(), vectorstore.NewInMemory(), embedder.NewFake(16), extractor, DefaultConfig())
}

func TestCreateDedupesAgainstExisting(t *testing.T) {
	ctx := context.Background()
	ext := &scriptedExtractor{candidates: []Candidate{
		{Topics: []string{"travel"}, Text: "User is planning a trip to Japan in spring"},
	}}
	sub := newTestSubsystem(ext)

	created, err := sub.Create(ctx, "user-a", "run-1", "transcript")
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Identical candidate on a later run must be dropped by dedup.
	again, err := sub.Create(ctx, "user-a", "run-2", "transcript")
	require.NoError(t, err)
	assert.Len(t, again, 0)
}

func TestRetrieveIsolatesByUser(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem(nil)

	emb, _ := sub.embed.Embed(ctx, "family dinner plans")
	require.NoError(t, sub.store.PutMemory(ctx, memoryFor("A", []string{"family"}, "family dinner plans", emb)))

	results, err := sub.Retrieve(ctx, "B", []string{"family"}, "family", 5)
	require.NoError(t, err)
	assert.Empty(t, results, "user B must never see user A's memories")

	ownResults, err := sub.Retrieve(ctx, "A", []string{"family"}, "family", 5)
	require.NoError(t, err)
	require.Len(t, ownResults, 1)
}

func TestRetrieveTopicFilterRequiresIntersection(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem(nil)
	emb, _ := sub.embed.Embed(ctx, "loves hiking")
	require.NoError(t, sub.store.PutMemory(ctx, memoryFor("A", []string{"hobbies"}, "loves hiking", emb)))

	results, err := sub.Retrieve(ctx, "A", []string{"finance"}, "", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = sub.Retrieve(ctx, "A", []string{"hobbies", "finance"}, "", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRetrieveExcludesArchived(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem(nil)
	emb, _ := sub.embed.Embed(ctx, "x")
	m := memoryFor("A", nil, "x", emb)
	require.NoError(t, sub.store.PutMemory(ctx, m))
	require.NoError(t, sub.store.ArchiveMemory(ctx, m.MemoryID, m.CreatedAt))

	results, err := sub.Retrieve(ctx, "A", nil, "x", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestOptimizeMergesNearDuplicatesAndArchivesOriginals(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem(nil)
	emb, _ := sub.embed.Embed(ctx, "same text twice")
	m1 := memoryFor("A", []string{"work"}, "same text twice", emb)
	m2 := memoryFor("A", []string{"projects"}, "same text twice but longer for canonical selection", emb)
	require.NoError(t, sub.store.PutMemory(ctx, m1))
	require.NoError(t, sub.store.PutMemory(ctx, m2))

	n, err := sub.Optimize(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := sub.store.GetMemoriesByUser(ctx, "A")
	require.NoError(t, err)
	var live, archived int
	for _, m := range all {
		if m.IsArchived() {
			archived++
		} else {
			live++
		}
	}
	assert.Equal(t, 2, archived)
	assert.Equal(t, 1, live)
}

func TestRunOptimizerLoopMergesOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := newTestSubsystem(nil)
	emb, _ := sub.embed.Embed(ctx, "same text twice")
	m1 := memoryFor("A", []string{"work"}, "same text twice", emb)
	m2 := memoryFor("A", []string{"projects"}, "same text twice but longer for canonical selection", emb)
	require.NoError(t, sub.store.PutMemory(ctx, m1))
	require.NoError(t, sub.store.PutMemory(ctx, m2))

	done := make(chan struct{})
	go func() {
		sub.RunOptimizerLoop(ctx, 5*time.Millisecond, func() []string { return []string{"A"} })
		close(done)
	}()

	require.Eventually(t, func() bool {
		all, err := sub.store.GetMemoriesByUser(ctx, "A")
		require.NoError(t, err)
		var archived int
		for _, m := range all {
			if m.IsArchived() {
				archived++
			}
		}
		return archived == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSearchToolReturnsEmptyOnFailureRatherThanError(t *testing.T) {
	sub := newTestSubsystem(nil)
	// An empty user_id makes Retrieve fail with permission_denied.
	tool := NewSearchTool(sub, "")
	res, err := tool.Call(context.Background(), map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.False(t, res.IsError())
	assert.Equal(t, "[]", res.Content)
}
