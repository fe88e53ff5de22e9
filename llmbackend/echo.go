package llmbackend

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Echo is a zero-configuration Backend used where no vendor model has
// been wired in. It never calls out to a network, so cmd/runtime's REPL
// and any end-to-end smoke run can drive the full request pipeline
// (event emission, persistence, delegation) without API credentials.
type Echo struct{ name string }

// NewEcho creates an Echo backend identified by name (for logging and
// the run's model_ref bookkeeping).
func NewEcho(name string) *Echo { return &Echo{name: name} }

var _ Backend = (*Echo)(nil)

func (e *Echo) Name() string { return e.name }

func (e *Echo) Generate(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}

		var b strings.Builder
		fmt.Fprintf(&b, "[%s] processed %d message(s)", e.name, len(req.Messages))
		if len(req.Tools) > 0 {
			names := make([]string, len(req.Tools))
			for i, t := range req.Tools {
				names[i] = t.Name
			}
			fmt.Fprintf(&b, " with %s available", strings.Join(names, ", "))
		}
		b.WriteString("; no model is configured, so this is a placeholder answer.")

		yield(&Response{Text: b.String(), FinishReason: FinishStop}, nil)
	}
}
