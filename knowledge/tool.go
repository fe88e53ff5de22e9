package knowledge

import (
	"context"
	"encoding/json"

	"github.com/opnureyes2-del/teamrun/tool"
)

// SearchTool exposes Subsystem.Search as the `knowledge_search` Tool.
// Scoped to one user for its whole lifetime, same isolation discipline
// as memory.SearchTool.
type SearchTool struct {
	sub    *Subsystem
	userID string
}

// NewSearchTool returns a knowledge_search Tool scoped to userID.
func NewSearchTool(sub *Subsystem, userID string) *SearchTool {
	return &SearchTool{sub: sub, userID: userID}
}

var _ tool.Tool = (*SearchTool)(nil)

func (t *SearchTool) Name() string { return "knowledge_search" }

func (t *SearchTool) Description() string {
	return "Search the user's ingested documents for relevant passages."
}

func (t *SearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "free-text query"},
			"k":     map[string]any{"type": "integer", "description": "max results, default 5"},
		},
		"required": []string{"query"},
	}
}

func (t *SearchTool) RequiresApproval() bool { return false }

func (t *SearchTool) Call(ctx context.Context, args map[string]any) (tool.Result, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return tool.ErrorResult("parameter 'query' must be a non-empty string"), nil
	}
	k := 5
	if kv, ok := args["k"].(float64); ok && kv > 0 {
		k = int(kv)
	}

	chunks, err := t.sub.Search(ctx, t.userID, query, k)
	if err != nil {
		return tool.ErrorResult(err.Error()), nil
	}

	type hit struct {
		Text   string `json:"text"`
		DocID  string `json:"doc_id"`
		Offset int    `json:"source_offset"`
	}
	hits := make([]hit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, hit{Text: c.Text, DocID: c.DocID, Offset: c.SourceOffset})
	}
	out, _ := json.Marshal(hits)
	return tool.TextResult(string(out)), nil
}
