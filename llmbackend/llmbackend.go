// Package llmbackend defines the language-model contract agents and
// teams call through: a single streaming-capable call returning an
// iter.Seq2, with tool-calling folded into the same Response type. The
// concrete model provider plugs in behind the Backend interface; no
// vendor SDK is wired here.
package llmbackend

import (
	"context"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
)

// ToolDefinition describes one callable tool in a provider-neutral,
// JSON-schema-friendly shape. Synthetic delegation tools are presented
// to the model identically to ordinary ones.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a single invocation the model requested.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Request is one turn's worth of input to a backend.
type Request struct {
	Messages          []*a2a.Message
	Tools             []ToolDefinition
	SystemInstruction string
	Config            *GenerateConfig
}

// GenerateConfig carries the usual sampling controls; a backend is free
// to ignore fields it doesn't support.
type GenerateConfig struct {
	Temperature   *float64
	MaxTokens     *int
	StopSequences []string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is one chunk (streaming) or the sole result (non-streaming)
// of a Generate call.
type Response struct {
	Text         string
	Partial      bool // true for a streaming delta, false for the final aggregate
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason FinishReason
}

// Backend is the interface every agent calls into for model inference.
type Backend interface {
	// Name identifies the backend/model for logging and metrics.
	Name() string

	// Generate produces one or more Responses for req. When stream is
	// false exactly one non-partial Response is yielded. When stream is
	// true, zero or more Partial=true deltas are yielded followed by a
	// single Partial=false aggregate carrying the complete text and any
	// tool calls.
	Generate(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]
}
