package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/teamrun/model"
)

func TestPerProducerSeqGapFree(t *testing.T) {
	bus := New("run-1", "leader", 16)
	leader := bus.Producer("leader")
	ctx := context.Background()

	var collected []*model.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range bus.Events() {
			collected = append(collected, e)
		}
	}()

	leader.Emit(ctx, model.EventRunStarted, nil)
	leader.Emit(ctx, model.EventContentDelta, map[string]any{"text": "hi"})
	leader.Emit(ctx, model.EventRunCompleted, nil)
	wg.Wait()

	require.Len(t, collected, 3)
	for i, e := range collected {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, int64(i+1), e.RunSeq)
		assert.Equal(t, "leader", e.ProducerID)
		assert.NotEmpty(t, e.EventID)
	}
}

func TestMultiProducerRunSeqInterleaved(t *testing.T) {
	bus := New("run-2", "leader", 16)
	leader := bus.Producer("leader")
	member := bus.Producer("member:weather")
	ctx := context.Background()

	var collected []*model.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range bus.Events() {
			collected = append(collected, e)
		}
	}()

	leader.Emit(ctx, model.EventRunStarted, nil)
	member.Emit(ctx, model.EventRunStarted, nil)
	member.Emit(ctx, model.EventRunCompleted, nil)
	leader.Emit(ctx, model.EventRunCompleted, nil)
	wg.Wait()

	require.Len(t, collected, 4)
	// run_seq is strictly increasing across producers in emission order.
	for i := 1; i < len(collected); i++ {
		assert.Greater(t, collected[i].RunSeq, collected[i-1].RunSeq)
	}
	// each producer's own seq is independently gap-free starting at 1.
	assert.Equal(t, int64(1), collected[0].Seq) // leader run_started
	assert.Equal(t, int64(1), collected[1].Seq) // member run_started
	assert.Equal(t, int64(2), collected[2].Seq) // member run_completed
	assert.Equal(t, int64(2), collected[3].Seq) // leader run_completed
}

func TestCloseOnTerminalEvent(t *testing.T) {
	bus := New("run-3", "leader", 4)
	leader := bus.Producer("leader")
	ctx := context.Background()

	leader.Emit(ctx, model.EventRunStarted, nil)
	leader.Emit(ctx, model.EventRunCompleted, nil)

	var n int
	for range bus.Events() {
		n++
	}
	assert.Equal(t, 2, n)

	// publishing after close is a no-op, never a panic or a block.
	e := leader.Emit(ctx, model.EventContentDelta, nil)
	assert.NotNil(t, e)
}
