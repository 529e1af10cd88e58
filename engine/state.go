package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// RunError is one recorded run failure. A blank node id marks a run-level
// fault such as an exhausted budget or timeout.
type RunError struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"error"`
}

// Run is the mutable state of one workflow execution. All fields behind
// the mutex are shared between the orchestrator goroutine, parallel branch
// goroutines, and Cancel/Respond callers; every access goes through the
// accessor methods.
type Run struct {
	ExecutionID string
	Workflow    *workflow.Workflow
	StartedAt   time.Time

	clock Clock

	// limiter throttles provider calls per the workflow's rate limit.
	// Set once before execution starts, nil when unlimited.
	limiter *rate.Limiter

	mu             sync.RWMutex
	status         workflow.Status
	data           map[string]any
	completedNodes []string
	failedNodes    []string
	errors         []RunError
	usage          types.TokenUsage
	apiCalls       int
	sequence       int
	cancel         context.CancelFunc
}

// newRun builds run state with the standard context layout: global holds
// inputs and accumulated variables, nodes holds per-node results, and
// workflow identifies the definition.
func newRun(executionID string, wf *workflow.Workflow, input map[string]any, clock Clock) *Run {
	global := make(map[string]any, len(input))
	for k, v := range input {
		global[k] = v
	}
	return &Run{
		ExecutionID: executionID,
		Workflow:    wf,
		StartedAt:   clock.Now(),
		clock:       clock,
		status:      workflow.StatusRunning,
		data: map[string]any{
			"global": global,
			"nodes":  map[string]any{},
			"workflow": map[string]any{
				"id":      wf.ID,
				"name":    wf.Name,
				"version": wf.Version,
			},
		},
	}
}

// Status returns the current run status.
func (r *Run) Status() workflow.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Run) setStatus(s workflow.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Context returns a deep copy of the run context for expression
// evaluation and checkpointing.
func (r *Run) Context() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return deepCopyMap(r.data)
}

// Lookup resolves a dot path against the run context.
func (r *Run) Lookup(path string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return expr.Extract(r.data, path)
}

// SetPath writes a value at a dot path in the run context.
func (r *Run) SetPath(path string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expr.Set(r.data, path, value)
}

// RecordOutput stores a node's result under nodes.<id> and appends the
// node to the completed list. Failed results are additionally tracked in
// the failed list; completed still includes them so downstream nodes can
// inspect the failure.
func (r *Run) RecordOutput(nodeID string, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, _ := r.data["nodes"].(map[string]any)
	nodes[nodeID] = map[string]any(result)
	r.completedNodes = append(r.completedNodes, nodeID)
	if !result.Success() {
		r.failedNodes = append(r.failedNodes, nodeID)
	}
}

// NodeOutput returns a node's recorded result.
func (r *Run) NodeOutput(nodeID string) (Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes, _ := r.data["nodes"].(map[string]any)
	raw, found := nodes[nodeID]
	if !found {
		return nil, false
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return nil, false
	}
	return Result(m), true
}

// CompletedNodes returns a copy of the completed node list in order.
func (r *Run) CompletedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.completedNodes))
	copy(out, r.completedNodes)
	return out
}

// FailedNodes returns a copy of the failed node list.
func (r *Run) FailedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.failedNodes))
	copy(out, r.failedNodes)
	return out
}

// AddError appends a timestamped error entry. nodeID is blank for
// run-level faults.
func (r *Run) AddError(nodeID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, RunError{
		Timestamp: r.clock.Now(),
		NodeID:    nodeID,
		Message:   msg,
	})
}

// Errors returns a copy of the recorded error entries in order.
func (r *Run) Errors() []RunError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunError, len(r.errors))
	copy(out, r.errors)
	return out
}

// LastError returns the most recent error message, empty when none.
func (r *Run) LastError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[len(r.errors)-1].Message
}

// AddUsage accumulates token usage and counts one provider call.
func (r *Run) AddUsage(u types.TokenUsage, apiCalls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage.Add(u)
	r.apiCalls += apiCalls
}

// Usage returns the accumulated token usage and provider call count.
func (r *Run) Usage() (types.TokenUsage, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usage, r.apiCalls
}

// nextSequence returns a monotonically increasing checkpoint sequence.
func (r *Run) nextSequence() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	return r.sequence
}

// restore replaces context and completion state from a checkpoint.
func (r *Run) restore(data map[string]any, completedNodes []string, sequence int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data != nil {
		r.data = deepCopyMap(data)
	}
	r.completedNodes = append([]string(nil), completedNodes...)
	r.sequence = sequence
}

// isCompleted reports whether a node already ran, used when resuming.
func (r *Run) isCompleted(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.completedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

func deepCopyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
