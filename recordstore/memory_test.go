package recordstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
)

func TestCheckpointPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := New()

	_, err := store.GetCheckpoint(ctx, "run-1")
	assert.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))

	cp := &model.Checkpoint{
		RunID: "run-1", SessionID: "sess-1", UserID: "user-a",
		Phase: "tool_execution", LastRunSeq: 3,
		UserInput: "do the thing", PartialText: "working on it",
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.PutCheckpoint(ctx, cp))

	got, err := store.GetCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, cp.Phase, got.Phase)
	assert.Equal(t, cp.LastRunSeq, got.LastRunSeq)
	assert.Equal(t, cp.PartialText, got.PartialText)

	// A later checkpoint overwrites rather than accumulates.
	cp.Phase = "post_tool"
	cp.LastRunSeq = 4
	require.NoError(t, store.PutCheckpoint(ctx, cp))
	got, err = store.GetCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "post_tool", got.Phase)
	assert.Equal(t, int64(4), got.LastRunSeq)

	require.NoError(t, store.DeleteCheckpoint(ctx, "run-1"))
	_, err = store.GetCheckpoint(ctx, "run-1")
	assert.Equal(t, runtimeerr.NotFound, runtimeerr.KindOf(err))

	// Deleting a checkpoint that doesn't exist is a no-op, not an error.
	require.NoError(t, store.DeleteCheckpoint(ctx, "never-existed"))
}
