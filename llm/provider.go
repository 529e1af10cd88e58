// Package llm defines the generation provider contract the engine calls
// for agent nodes, plus token accounting helpers.
package llm

import (
	"context"
	"time"

	"github.com/BaSui01/flowkit/types"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role     Role           `json:"role"`
	Content  string         `json:"content,omitempty"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Request is a single generation request.
type Request struct {
	Model       string        `json:"model,omitempty"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Response is the provider's reply to a Request.
type Response struct {
	Content   string           `json:"content"`
	Model     string           `json:"model,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Usage     types.TokenUsage `json:"usage,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

// Provider generates completions. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}
