package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowkit/types"
)

// MockProvider replays scripted responses in order and records requests.
// It cycles back to the first response when the script runs out, or fails
// every call when Err is set.
type MockProvider struct {
	Responses []string
	Err       error
	// UsagePerCall is attached to every response.
	UsagePerCall types.TokenUsage

	mu       sync.Mutex
	requests []*Request
	calls    atomic.Int32
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(m.calls.Add(1)) - 1

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if len(m.Responses) > 0 {
		content = m.Responses[n%len(m.Responses)]
	}
	return &Response{
		Content:   content,
		Model:     req.Model,
		Provider:  m.Name(),
		Usage:     m.UsagePerCall,
		CreatedAt: time.Now(),
	}, nil
}

// Calls returns the number of Generate invocations.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}

// Requests returns a copy of the recorded requests.
func (m *MockProvider) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}
