// Package tool defines the capability surface agents can invoke. Every
// tool, whether user-supplied or one of the synthetic delegation tools a
// Team exposes to its leader, implements the same interface so the model
// sees them identically.
package tool

import "context"

// Definition describes one tool to the model: name, natural-language
// description, and a JSON-schema-shaped parameter map.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Call is a single invocation the model requested.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is what a tool invocation produced, folded back into the
// conversation as a tool-role message.
type Result struct {
	Content string
	Error   string
}

// IsError reports whether the tool invocation failed.
func (r Result) IsError() bool { return r.Error != "" }

// ErrorResult builds a failed Result carrying msg.
func ErrorResult(msg string) Result { return Result{Error: msg} }

// TextResult builds a successful Result carrying text.
func TextResult(text string) Result { return Result{Content: text} }

// Tool is the base capability surface implemented by ordinary and
// synthetic tools alike.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any

	// RequiresApproval indicates whether this tool needs human approval
	// before execution. Most tools return false.
	RequiresApproval() bool

	// Call executes the tool synchronously.
	Call(ctx context.Context, args map[string]any) (Result, error)
}

// ToDefinition projects a Tool down to the Definition shape a
// llmbackend.Request carries.
func ToDefinition(t Tool) Definition {
	return Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
}

// Set is an ordered, name-indexed collection of tools presented to one
// agent for one run.
type Set struct {
	order []string
	byName map[string]Tool
}

// NewSet builds a Set from tools, preserving the given order. Later
// entries with a duplicate name replace earlier ones, matching how a
// team appends synthetic tools after an agent's own tool list.
func NewSet(tools ...Tool) *Set {
	s := &Set{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		s.Add(t)
	}
	return s
}

// Add appends (or replaces) a tool in the set.
func (s *Set) Add(t Tool) {
	if _, exists := s.byName[t.Name()]; !exists {
		s.order = append(s.order, t.Name())
	}
	s.byName[t.Name()] = t
}

// Get looks up a tool by name.
func (s *Set) Get(name string) (Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Definitions renders every tool in the set in insertion order, the
// shape a Backend.Generate call expects.
func (s *Set) Definitions() []Definition {
	out := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, ToDefinition(s.byName[name]))
	}
	return out
}

// Len reports how many tools are in the set.
func (s *Set) Len() int { return len(s.order) }

// roundKey carries the agent loop's current tool round through context,
// letting a synthetic tool distinguish calls issued within the same
// leader turn from calls issued across turns.
type roundKey struct{}

// WithRound annotates ctx with the current tool-call round.
func WithRound(ctx context.Context, round int) context.Context {
	return context.WithValue(ctx, roundKey{}, round)
}

// RoundFromContext extracts the round set by WithRound. ok is false when
// the caller never annotated the context.
func RoundFromContext(ctx context.Context) (round int, ok bool) {
	round, ok = ctx.Value(roundKey{}).(int)
	return round, ok
}
