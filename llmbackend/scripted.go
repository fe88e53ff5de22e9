package llmbackend

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// ScriptedResponse is one canned Response a Scripted backend will return,
// in order, to successive Generate calls.
type ScriptedResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Scripted is a deterministic, in-memory Backend that replays a fixed
// sequence of responses, indexed by call count. The agent/ and team/
// test suites drive multi-round tool-call loops against it without a
// network call.
type Scripted struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	callCount int
	name      string
}

// NewScripted creates a Scripted backend that returns responses in order.
// Once exhausted, it returns a plain "done" text response rather than
// erroring, so a test doesn't need to script a response for every call.
func NewScripted(name string, responses ...ScriptedResponse) *Scripted {
	return &Scripted{name: name, responses: responses}
}

var _ Backend = (*Scripted)(nil)

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *Scripted) Generate(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		s.mu.Lock()
		idx := s.callCount
		s.callCount++
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}

		var sr ScriptedResponse
		if idx < len(s.responses) {
			sr = s.responses[idx]
		} else {
			sr = ScriptedResponse{Text: "done"}
		}

		finish := FinishStop
		if len(sr.ToolCalls) > 0 {
			finish = FinishToolCalls
		}

		resp := &Response{
			Text:         sr.Text,
			Partial:      false,
			ToolCalls:    sr.ToolCalls,
			Usage:        &sr.Usage,
			FinishReason: finish,
		}
		yield(resp, nil)
	}
}

// Failing is a Backend whose every call returns err, used to test error
// propagation through agent and delegation loops.
type Failing struct {
	name string
	err  error
}

// NewFailing creates a Backend that always fails with err.
func NewFailing(name string, err error) *Failing {
	if err == nil {
		err = fmt.Errorf("llmbackend: scripted failure")
	}
	return &Failing{name: name, err: err}
}

var _ Backend = (*Failing)(nil)

func (f *Failing) Name() string { return f.name }

func (f *Failing) Generate(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		yield(nil, f.err)
	}
}
