// Package tokencount counts tokens for LLM prompt budgeting using
// tiktoken-go, a Go port of OpenAI's tiktoken library.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is a shared instance.
var DefaultCounter = NewCounter()

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	name := encodingName(model)
	c.mu.RLock()
	enc, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.cache[name] = enc
	return enc, nil
}

// encodingName maps a model id to a tiktoken encoding. Non-OpenAI
// models fall back to cl100k_base, which is close enough for budgeting.
func encodingName(model string) string {
	m := strings.ToLower(model)
	if strings.Contains(m, "gpt-4o") || strings.Contains(m, "o1") {
		return "o200k_base"
	}
	return "cl100k_base"
}

// Count returns the token count of text for the given model. On
// encoding errors it falls back to a chars/4 estimate so budgeting
// never fails a request.
func (c *Counter) Count(model, text string) int {
	enc, err := c.encoding(model)
	if err != nil {
		slog.Warn("token encoding unavailable, estimating", slog.String("model", model), slog.Any("error", err))
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate cuts text so it fits within maxTokens for the given model.
// The cut is approximate, proportional to the token overshoot.
func (c *Counter) Truncate(model, text string, maxTokens int) string {
	n := c.Count(model, text)
	if n <= maxTokens {
		return text
	}
	keep := len(text) * maxTokens / n
	if keep < 0 {
		keep = 0
	}
	return text[:keep]
}
