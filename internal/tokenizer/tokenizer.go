// Package tokenizer provides accurate token counting backed by
// pkoukk/tiktoken-go, used to size knowledge chunks and history budgets
// in tokens rather than by a word-count proxy. Encodings are cached per
// model, with a cl100k_base fallback when a model-specific encoding
// isn't registered.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for one model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter returns a Counter for model, falling back to cl100k_base
// when no encoding is registered for it.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tokenizer: no encoding available: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()
	return &Counter{encoding: enc}, nil
}

// Count returns the number of tokens text encodes to.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}
