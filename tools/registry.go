// Package tools defines the tool contract agent nodes can call and an
// in-memory registry implementation.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is an executable capability exposed to agents.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, action string, params map[string]any) (any, error)
}

// Registry resolves tools by name.
type Registry interface {
	Register(t Tool) error
	Get(name string) (Tool, bool)
	List() []string
}

// InMemoryRegistry is a concurrency-safe map-backed Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, rejecting duplicate names.
func (r *InMemoryRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool with the given name.
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names in sorted order.
func (r *InMemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FuncTool adapts a plain function to the Tool interface.
type FuncTool struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, action string, params map[string]any) (any, error)
}

func (f *FuncTool) Name() string        { return f.ToolName }
func (f *FuncTool) Description() string { return f.Desc }

func (f *FuncTool) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	return f.Fn(ctx, action, params)
}
