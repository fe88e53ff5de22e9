package recordstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
)

// newSQLiteStore opens an in-memory sqlite database. Max one open
// connection: each sqlite :memory: connection is its own database, so
// letting the pool grow would scatter tables across databases.
func newSQLiteStore(t *testing.T) *SQL {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQL(db, "sqlite")
	require.NoError(t, err)
	return store
}

func TestSQLRejectsUnknownDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQL(db, "oracle")
	require.Error(t, err)
}

func TestSQLPutRunInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	run := &model.Run{
		RunID: "r1", SessionID: "s1", UserID: "u1",
		Status: model.RunPending, StartedAt: time.Now().UTC(),
		InputRef: "what is 2+2?",
	}
	require.NoError(t, store.PutRun(ctx, run))

	run.Status = model.RunSucceeded
	run.FinishedAt = time.Now().UTC()
	run.OutputRef = "4"
	require.NoError(t, store.PutRun(ctx, run))

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, got.Status)
	assert.Equal(t, "what is 2+2?", got.InputRef)
	assert.Equal(t, "4", got.OutputRef)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestSQLListRunsCarriesHistoryColumns(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC()
	require.NoError(t, store.PutRun(ctx, &model.Run{
		RunID: "r1", SessionID: "s1", UserID: "u1",
		Status: model.RunSucceeded, StartedAt: base, FinishedAt: base,
		InputRef: "first question", OutputRef: "first answer",
	}))
	require.NoError(t, store.PutRun(ctx, &model.Run{
		RunID: "r2", SessionID: "s1", UserID: "u1",
		Status: model.RunSucceeded, StartedAt: base.Add(time.Second), FinishedAt: base.Add(time.Second),
		InputRef: "second question", OutputRef: "second answer",
	}))

	runs, err := store.ListRunsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "first question", runs[0].InputRef)
	assert.Equal(t, "first answer", runs[0].OutputRef)
	assert.Equal(t, "second answer", runs[1].OutputRef)
}

func TestSQLAppendEventIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	e := &model.Event{
		EventID: "e1", RunID: "r1", ProducerID: "leader",
		Kind: model.EventContentDelta, Payload: map[string]any{"text": "hi"},
		Timestamp: time.Now().UTC(), Seq: 1, RunSeq: 1,
	}
	require.NoError(t, store.AppendEvent(ctx, e))
	require.NoError(t, store.AppendEvent(ctx, e)) // replay

	events, err := store.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventContentDelta, events[0].Kind)
	assert.Equal(t, "hi", events[0].Payload["text"])
}

func TestSQLAppendMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	m := &model.Message{
		MessageID: "m1", RunID: "r1", Role: model.RoleUser,
		Content: "hello", CreatedAt: time.Now().UTC(), Seq: 1,
	}
	require.NoError(t, store.AppendMessage(ctx, m))
	require.NoError(t, store.AppendMessage(ctx, m)) // replay

	msgs, err := store.ListMessages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestSQLMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	m := &model.Memory{
		MemoryID: "m1", UserID: "u1",
		Topics: []string{"travel", "hobbies"}, Text: "likes hiking in the alps",
		Embedding: []float32{0.1, 0.2, 0.3}, SourceRunID: "r1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutMemory(ctx, m))

	mine, err := store.GetMemoriesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, []string{"travel", "hobbies"}, mine[0].Topics)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, mine[0].Embedding)
	assert.False(t, mine[0].IsArchived())

	theirs, err := store.GetMemoriesByUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, theirs)

	require.NoError(t, store.ArchiveMemory(ctx, "m1", time.Now().UTC()))
	mine, err = store.GetMemoriesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.True(t, mine[0].IsArchived())

	err = store.ArchiveMemory(ctx, "missing", time.Now().UTC())
	assert.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))
}

func TestSQLKnowledgeChunksFilteredByUser(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	require.NoError(t, store.PutKnowledgeDocument(ctx, &model.KnowledgeDocument{
		DocID: "d1", UserID: "u1", Name: "notes", MIME: "text/plain", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.PutKnowledgeChunk(ctx, &model.KnowledgeChunk{
		ChunkID: "c1", DocID: "d1", UserID: "u1", Ordinal: 0,
		Text: "alpha", Embedding: []float32{1, 0}, SourceOffset: 0,
	}))

	chunks, err := store.GetKnowledgeChunks(ctx, "u1", []string{"c1", "missing"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alpha", chunks[0].Text)

	leaked, err := store.GetKnowledgeChunks(ctx, "u2", []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, leaked)
}

func TestSQLSessionCascadeDelete(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.PutSession(ctx, &model.Session{
		SessionID: "s1", UserID: "u1", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.PutRun(ctx, &model.Run{
		RunID: "r1", SessionID: "s1", UserID: "u1", Status: model.RunSucceeded, StartedAt: now,
	}))
	require.NoError(t, store.AppendMessage(ctx, &model.Message{
		MessageID: "m1", RunID: "r1", Role: model.RoleUser, Content: "hi", CreatedAt: now, Seq: 1,
	}))
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		EventID: "e1", RunID: "r1", ProducerID: "leader",
		Kind: model.EventRunStarted, Timestamp: now, Seq: 1, RunSeq: 1,
	}))

	require.NoError(t, store.DeleteSession(ctx, "s1"))

	_, err := store.GetSession(ctx, "s1")
	assert.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))
	_, err = store.GetRun(ctx, "r1")
	assert.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))
	msgs, err := store.ListMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	events, err := store.ListEvents(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLCheckpointOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	cp := &model.Checkpoint{
		RunID: "r1", SessionID: "s1", UserID: "u1",
		Phase: "tool_execution", LastRunSeq: 3,
		UserInput: "do it", PartialText: "partial", UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutCheckpoint(ctx, cp))

	cp.Phase = "post_tool"
	cp.LastRunSeq = 5
	require.NoError(t, store.PutCheckpoint(ctx, cp))

	got, err := store.GetCheckpoint(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "post_tool", got.Phase)
	assert.Equal(t, int64(5), got.LastRunSeq)
	assert.Equal(t, "do it", got.UserInput)

	require.NoError(t, store.DeleteCheckpoint(ctx, "r1"))
	_, err = store.GetCheckpoint(ctx, "r1")
	assert.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))
}

func TestSQLRecoverCrashedRuns(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.PutRun(ctx, &model.Run{RunID: "r1", SessionID: "s1", UserID: "u1", Status: model.RunStreaming, StartedAt: now}))
	require.NoError(t, store.PutRun(ctx, &model.Run{RunID: "r2", SessionID: "s1", UserID: "u1", Status: model.RunSucceeded, StartedAt: now, FinishedAt: now}))

	n, err := store.RecoverCrashedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
}
