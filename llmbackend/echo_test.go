package llmbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEcho_GeneratesPlaceholderText(t *testing.T) {
	b := NewEcho("echo")
	req := &Request{Tools: []ToolDefinition{{Name: "memory_search"}}}
	for resp, err := range b.Generate(context.Background(), req, false) {
		require.NoError(t, err)
		require.Contains(t, resp.Text, "memory_search")
		require.Equal(t, FinishStop, resp.FinishReason)
	}
}

func TestEcho_RespectsCancellation(t *testing.T) {
	b := NewEcho("echo")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for resp, err := range b.Generate(ctx, &Request{}, false) {
		require.Nil(t, resp)
		require.Error(t, err)
	}
}
