package llmbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScripted_ReplaysResponsesInOrder(t *testing.T) {
	b := NewScripted("test",
		ScriptedResponse{Text: "first"},
		ScriptedResponse{Text: "second", ToolCalls: []ToolCall{{ID: "1", Name: "lookup"}}},
	)

	var texts []string
	for i := 0; i < 3; i++ {
		for resp, err := range b.Generate(context.Background(), &Request{}, false) {
			require.NoError(t, err)
			texts = append(texts, resp.Text)
		}
	}

	require.Equal(t, []string{"first", "second", "done"}, texts)
	require.Equal(t, 3, b.CallCount())
}

func TestScripted_ToolCallsSetFinishReason(t *testing.T) {
	b := NewScripted("test", ScriptedResponse{Text: "", ToolCalls: []ToolCall{{Name: "x"}}})
	for resp, err := range b.Generate(context.Background(), &Request{}, false) {
		require.NoError(t, err)
		require.Equal(t, FinishToolCalls, resp.FinishReason)
	}
}

func TestFailing_AlwaysReturnsError(t *testing.T) {
	b := NewFailing("test", nil)
	for resp, err := range b.Generate(context.Background(), &Request{}, false) {
		require.Nil(t, resp)
		require.Error(t, err)
	}
}
