package session

import (
	"fmt"
	"strings"

	"github.com/opnureyes2-del/teamrun/internal/tokenizer"
)

// SummarizeForBudget bounds pairs (oldest first, as History returns them)
// to maxTokens: the most recent keepVerbatim runs are always kept as-is,
// and anything older is folded into a single synthetic pair whose text is
// a truncated concatenation of the dropped turns, labeled so the model
// knows it is reading a summary rather than a verbatim exchange.
//
// The primary budget is tokens, not a message count, and older turns
// are compacted rather than silently dropped once the budget is
// exceeded.
func SummarizeForBudget(pairs []HistoryPair, maxTokens int, counter *tokenizer.Counter, keepVerbatim int) []HistoryPair {
	if maxTokens <= 0 || len(pairs) <= keepVerbatim {
		return pairs
	}

	total := 0
	for _, p := range pairs {
		total += counter.Count(p.UserInput) + counter.Count(p.FinalOutput)
	}
	if total <= maxTokens {
		return pairs
	}

	if keepVerbatim < 0 {
		keepVerbatim = 0
	}
	if keepVerbatim > len(pairs) {
		keepVerbatim = len(pairs)
	}
	cut := len(pairs) - keepVerbatim
	dropped, kept := pairs[:cut], pairs[cut:]
	if len(dropped) == 0 {
		return kept
	}

	var b strings.Builder
	for _, p := range dropped {
		fmt.Fprintf(&b, "user: %s\nassistant: %s\n", p.UserInput, p.FinalOutput)
	}
	summaryText := truncateToTokens(b.String(), counter, maxTokens/2)

	summary := HistoryPair{
		RunID:       "summary",
		UserInput:   "(earlier conversation, summarized)",
		FinalOutput: summaryText,
	}
	out := make([]HistoryPair, 0, len(kept)+1)
	out = append(out, summary)
	out = append(out, kept...)
	return out
}

// truncateToTokens cuts text down to roughly maxTokens tokens, trimming
// from the front (oldest turns first) since the newest dropped turns are
// the ones most likely still relevant.
func truncateToTokens(text string, counter *tokenizer.Counter, maxTokens int) string {
	if maxTokens <= 0 || counter.Count(text) <= maxTokens {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 && counter.Count(strings.Join(lines, "\n")) > maxTokens {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}
