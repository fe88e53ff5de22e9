package memory

import (
	"context"
	"encoding/json"

	"github.com/opnureyes2-del/teamrun/tool"
)

// SearchTool exposes Subsystem.Retrieve as the `memory_search` Tool an
// Agent can call directly. It is scoped to one user for its whole
// lifetime: callers construct one SearchTool per run with the run's
// user_id baked in, so a leaked tool reference can never cross the
// isolation boundary.
type SearchTool struct {
	sub    *Subsystem
	userID string
}

// NewSearchTool returns a memory_search Tool scoped to userID.
func NewSearchTool(sub *Subsystem, userID string) *SearchTool {
	return &SearchTool{sub: sub, userID: userID}
}

var _ tool.Tool = (*SearchTool)(nil)

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Search the user's remembered facts, optionally filtered by topic."
}

func (t *SearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":  map[string]any{"type": "string", "description": "free-text query"},
			"topics": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "restrict to memories carrying at least one of these topics"},
			"k":      map[string]any{"type": "integer", "description": "max results, default 5"},
		},
	}
}

func (t *SearchTool) RequiresApproval() bool { return false }

func (t *SearchTool) Call(ctx context.Context, args map[string]any) (tool.Result, error) {
	query, _ := args["query"].(string)
	k := 5
	if kv, ok := args["k"].(float64); ok && kv > 0 {
		k = int(kv)
	}
	var topics []string
	if raw, ok := args["topics"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				topics = append(topics, s)
			}
		}
	}

	memories, err := t.sub.Retrieve(ctx, t.userID, topics, query, k)
	if err != nil {
		// Retrieve is best-effort: report an empty result via the
		// ordinary tool-result channel rather than surfacing a fatal
		// error.
		return tool.TextResult("[]"), nil
	}

	type hit struct {
		Text   string   `json:"text"`
		Topics []string `json:"topics"`
	}
	hits := make([]hit, 0, len(memories))
	for _, m := range memories {
		hits = append(hits, hit{Text: m.Text, Topics: m.Topics})
	}
	out, _ := json.Marshal(hits)
	return tool.TextResult(string(out)), nil
}
