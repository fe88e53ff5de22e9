package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/teamrun/embedder"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
	"github.com/opnureyes2-del/teamrun/vectorstore"
)

func newTestSubsystem() *Subsystem {
	return New(recordstore.New(), vectorstore.NewInMemory(), embedder.NewFake(16), DefaultConfig())
}

func TestIngestChunksAndEmbeds(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem()

	text := ""
	for i := 0; i < 1200; i++ {
		text += "word "
	}
	doc, chunks, err := sub.Ingest(ctx, "user-a", "notes.txt", "text/plain", text)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.DocID)
	assert.Greater(t, len(chunks), 1, "1200 words at a 500-token target should split into multiple chunks")
	for _, c := range chunks {
		assert.Equal(t, "user-a", c.UserID)
		assert.Len(t, c.Embedding, 16)
	}
}

func TestSearchIsolatesByUser(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem()
	_, _, err := sub.Ingest(ctx, "user-a", "doc", "text/plain", "the quarterly roadmap discusses pricing strategy")
	require.NoError(t, err)

	results, err := sub.Search(ctx, "user-b", "pricing", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = sub.Search(ctx, "user-a", "pricing", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSearchRejectsEmptyUserID(t *testing.T) {
	sub := newTestSubsystem()
	_, err := sub.Search(context.Background(), "", "anything", 5)
	require.Error(t, err)
	assert.Equal(t, runtimeerr.PermissionDenied, runtimeerr.KindOf(err))
}

func TestSearchEmptyKnowledgeBaseReturnsNoError(t *testing.T) {
	sub := newTestSubsystem()
	results, err := sub.Search(context.Background(), "user-a", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBM25IndexIsPartitionedByUser(t *testing.T) {
	ctx := context.Background()
	sub := newTestSubsystem()
	_, _, err := sub.Ingest(ctx, "user-a", "doc", "text/plain", "quarterly pricing roadmap with pricing detail")
	require.NoError(t, err)
	_, _, err = sub.Ingest(ctx, "user-b", "doc", "text/plain", "gardening notes about tomatoes")
	require.NoError(t, err)

	// user-b's keyword index never saw user-a's text, so a query for
	// user-a's terms scores zero everywhere in it.
	for id, score := range sub.bm25For("user-b").score("pricing") {
		assert.Zerof(t, score, "chunk %s leaked cross-user term statistics", id)
	}
	aScores := sub.bm25For("user-a").score("pricing")
	var hit bool
	for _, score := range aScores {
		if score > 0 {
			hit = true
		}
	}
	assert.True(t, hit)
}

func TestBM25IndexScoresExactMatchHigher(t *testing.T) {
	idx := newBM25Index()
	idx.add("1", "the cat sat on the mat")
	idx.add("2", "completely unrelated text about finance")

	scores := idx.score("cat mat")
	assert.Greater(t, scores["1"], scores["2"])
}
