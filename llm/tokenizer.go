package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for budget enforcement. Counting falls back to a
// character-based estimate when the encoding cannot be loaded.
type Tokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTokenizer creates a tokenizer for the given model, falling back to
// cl100k_base for unknown models.
func NewTokenizer(model string) *Tokenizer {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &Tokenizer{model: model, encoding: encoding}
}

// init lazily loads the tiktoken encoding, which may download data on
// first use.
func (t *Tokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens returns the token count of text, estimating when the
// encoding is unavailable.
func (t *Tokenizer) CountTokens(text string) int {
	if err := t.init(); err != nil {
		return estimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list including per-message
// framing overhead.
func (t *Tokenizer) CountMessages(messages []Message) int {
	total := 3
	for _, msg := range messages {
		total += 4
		total += t.CountTokens(msg.Content)
		total += t.CountTokens(string(msg.Role))
	}
	return total
}

func (t *Tokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// estimateTokens approximates four characters per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		return 1
	}
	return n
}
