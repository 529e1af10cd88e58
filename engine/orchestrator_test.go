package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowkit/llm"
	"github.com/BaSui01/flowkit/storage"
	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
)

type memHistory struct {
	mu      sync.Mutex
	records map[string]*storage.ExecutionRecord
}

func newMemHistory() *memHistory {
	return &memHistory{records: make(map[string]*storage.ExecutionRecord)}
}

func (h *memHistory) SaveRecord(_ context.Context, rec *storage.ExecutionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[rec.ExecutionID] = rec
	return nil
}

func (h *memHistory) GetRecord(_ context.Context, executionID string) (*storage.ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, found := h.records[executionID]
	if !found {
		return nil, nil
	}
	return rec, nil
}

func (h *memHistory) ListRecords(_ context.Context, workflowID string, limit int) ([]*storage.ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*storage.ExecutionRecord
	for _, rec := range h.records {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = []Agent{{
			ID:           "writer",
			Name:         "Writer",
			Model:        "gpt-4o",
			Instructions: "You write short summaries.",
		}}
	}
	e := New(cfg)
	t.Cleanup(e.Close)
	return e
}

func noRetry() *workflow.RetryConfig {
	return &workflow.RetryConfig{MaxAttempts: 1, Strategy: workflow.RetryNone}
}

func pipelineWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:      "wf-pipeline",
		Name:    "pipeline",
		Version: "1.0.0",
		Nodes: []workflow.Node{
			{
				ID:      "draft",
				Type:    workflow.NodeTypeAgent,
				AgentID: "writer",
				Config:  workflow.NodeConfig{Retry: noRetry()},
			},
			{
				ID:   "shape",
				Type: workflow.NodeTypeTransform,
				Transformations: []workflow.DataMapping{
					{Source: "nodes.draft.output", Target: "global.summary", Transform: "uppercase"},
				},
			},
		},
		Edges: []workflow.Edge{
			{SourceNodeID: "draft", TargetNodeID: "shape"},
		},
		Settings: workflow.DefaultSettings(),
	}
}

func TestEngineExecutePipeline(t *testing.T) {
	provider := &llm.MockProvider{
		Responses:    []string{"hello world"},
		UsagePerCall: types.TokenUsage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}
	e := newTestEngine(t, Config{Provider: provider})

	result, err := e.Execute(context.Background(), pipelineWorkflow(), map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, "HELLO WORLD", result.Output["summary"])
	assert.Contains(t, result.NodeResults, "draft")
	assert.Contains(t, result.NodeResults, "shape")
	assert.Equal(t, 20, result.TokensUsed)
	assert.Equal(t, 1, result.APICallsMade)
	assert.Empty(t, result.Errors)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))
}

func TestEngineExecuteDryRun(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{"unused"}}
	e := newTestEngine(t, Config{Provider: provider})

	result, err := e.Execute(context.Background(), pipelineWorkflow(), nil, WithDryRun())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusIdle, result.Status)
	assert.Equal(t, [][]string{{"draft"}, {"shape"}}, result.Plan)
	assert.Equal(t, 0, provider.Calls())
	assert.Empty(t, result.NodeResults)
}

func TestEngineExecuteRejectsInvalidWorkflow(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})

	wf := &workflow.Workflow{ID: "empty", Name: "empty", Settings: workflow.DefaultSettings()}
	_, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestEngineExecuteRejectsMissingRequiredInput(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{Responses: []string{"x"}}})

	wf := pipelineWorkflow()
	wf.Variables = []workflow.Variable{{Name: "topic", Type: "string", Required: true}}
	_, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
}

func TestEngineExecuteAbortsOnNodeFailure(t *testing.T) {
	provider := &llm.MockProvider{Err: errors.New("upstream down")}
	e := newTestEngine(t, Config{Provider: provider})

	result, err := e.Execute(context.Background(), pipelineWorkflow(), nil)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, workflow.StatusFailed, result.Status)
	assert.Equal(t, types.ErrNodeFailed, types.GetErrorCode(err))
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "draft", result.Errors[0].NodeID)
	assert.Contains(t, result.Errors[0].Message, "failed after 1 attempts")
	assert.False(t, result.Errors[0].Timestamp.IsZero())
	assert.Equal(t, result.Errors[0].Message, result.LastError)

	// The downstream node never ran.
	assert.NotContains(t, result.NodeResults, "shape")
}

func TestEngineSingleAttemptWithoutRetryConfig(t *testing.T) {
	provider := &llm.MockProvider{Err: errors.New("upstream down")}
	e := newTestEngine(t, Config{Provider: provider})

	wf := pipelineWorkflow()
	wf.Nodes[0].Config.Retry = nil

	result, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, result.Status)
	assert.Equal(t, 1, provider.Calls())
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "failed after 1 attempts")
}

func TestEngineExecuteContinueOnError(t *testing.T) {
	provider := &llm.MockProvider{Err: errors.New("upstream down")}
	e := newTestEngine(t, Config{Provider: provider})

	wf := pipelineWorkflow()
	wf.Settings.ContinueOnError = true
	wf.Nodes[1].Transformations = []workflow.DataMapping{
		{Source: "global.topic", Target: "global.summary"},
	}

	result, err := e.Execute(context.Background(), wf, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.NotEmpty(t, result.Errors)
	assert.Contains(t, result.NodeResults, "draft")
	assert.Contains(t, result.NodeResults, "shape")
	assert.Equal(t, "go", result.Output["summary"])
}

func TestEngineExecuteDecisionRouting(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})

	wf := &workflow.Workflow{
		ID:      "wf-routing",
		Name:    "routing",
		Version: "1.0.0",
		Nodes: []workflow.Node{
			{
				ID:   "decide",
				Type: workflow.NodeTypeDecision,
				ConditionBranches: []workflow.ConditionBranch{
					{Name: "high", Expression: "global.x > 1", Target: "b", Priority: 1},
				},
				DefaultTarget: "c",
			},
			{
				ID:   "b",
				Type: workflow.NodeTypeTransform,
				Transformations: []workflow.DataMapping{
					{Source: "global.x", Target: "global.ran_b"},
				},
			},
			{
				ID:   "c",
				Type: workflow.NodeTypeTransform,
				Transformations: []workflow.DataMapping{
					{Source: "global.x", Target: "global.ran_c"},
				},
			},
			{
				ID:   "join",
				Type: workflow.NodeTypeTransform,
				Transformations: []workflow.DataMapping{
					{Source: "global.x", Target: "global.ran_join"},
				},
			},
		},
		Edges: []workflow.Edge{
			{SourceNodeID: "decide", TargetNodeID: "b"},
			{SourceNodeID: "decide", TargetNodeID: "c"},
			{SourceNodeID: "b", TargetNodeID: "join"},
			{SourceNodeID: "c", TargetNodeID: "join"},
		},
		Settings: workflow.DefaultSettings(),
	}

	result, err := e.Execute(context.Background(), wf, map[string]any{"x": 5})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, "b", result.NodeResults["decide"]["target_node"])

	// The untaken branch is skipped, but the join still runs because one
	// inbound path stayed live.
	assert.Equal(t, true, result.NodeResults["c"]["skipped"])
	assert.Contains(t, result.Output, "ran_b")
	assert.NotContains(t, result.Output, "ran_c")
	assert.Contains(t, result.Output, "ran_join")
}

func TestEngineExecuteParallelMode(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})

	wf := &workflow.Workflow{
		ID:            "wf-parallel",
		Name:          "parallel",
		Version:       "1.0.0",
		ExecutionMode: workflow.ModeParallel,
		Nodes: []workflow.Node{
			{
				ID:   "left",
				Type: workflow.NodeTypeTransform,
				Transformations: []workflow.DataMapping{
					{Source: "global.x", Target: "global.left_done"},
				},
			},
			{
				ID:   "right",
				Type: workflow.NodeTypeTransform,
				Transformations: []workflow.DataMapping{
					{Source: "global.x", Target: "global.right_done"},
				},
			},
			{
				ID:                 "merge",
				Type:               workflow.NodeTypeAggregator,
				AggregationMethod:  workflow.AggregateMerge,
				AggregationSources: []string{"nodes.left", "nodes.right"},
			},
		},
		Edges: []workflow.Edge{
			{SourceNodeID: "left", TargetNodeID: "merge"},
			{SourceNodeID: "right", TargetNodeID: "merge"},
		},
		Settings: workflow.DefaultSettings(),
	}

	result, err := e.Execute(context.Background(), wf, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Contains(t, result.Output, "left_done")
	assert.Contains(t, result.Output, "right_done")
	assert.Contains(t, result.NodeResults, "merge")
}

func humanWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:      "wf-human",
		Name:    "human",
		Version: "1.0.0",
		Nodes: []workflow.Node{
			{
				ID:   "approve",
				Type: workflow.NodeTypeHumanInLoop,
				Config: workflow.NodeConfig{
					HumanConfig: &workflow.HumanInputConfig{TimeoutMs: 60000},
				},
			},
		},
		Settings: workflow.DefaultSettings(),
	}
}

func TestEngineExecuteHumanApproval(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.Execute(context.Background(), humanWorkflow(), nil)
		done <- outcome{result, err}
	}()

	var requestID string
	require.Eventually(t, func() bool {
		pending := e.PendingRequests()
		if len(pending) != 1 {
			return false
		}
		requestID = pending[0]
		return true
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, e.Respond(requestID, map[string]any{"approved": true}))
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, workflow.StatusCompleted, out.result.Status)
	assert.Equal(t, map[string]any{"approved": true}, out.result.NodeResults["approve"]["response"])
}

func TestEngineExecuteCancel(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.Execute(context.Background(), humanWorkflow(), nil,
			WithExecutionID("cancel-me"))
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool {
		return len(e.PendingRequests()) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, e.Cancel("cancel-me"))
	out := <-done
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, workflow.StatusCancelled, out.result.Status)
}

func TestEngineCancelUnknownRun(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})
	err := e.Cancel("ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))
}

func TestEngineExecuteResumeFromCheckpoint(t *testing.T) {
	checkpoints := storage.NewInMemoryCheckpointStore()

	wf := pipelineWorkflow()
	wf.Nodes = append([]workflow.Node{{
		ID:   "prep",
		Type: workflow.NodeTypeTransform,
		Transformations: []workflow.DataMapping{
			{Source: "global.topic", Target: "global.prepped"},
		},
	}}, wf.Nodes...)
	wf.Edges = append(wf.Edges, workflow.Edge{SourceNodeID: "prep", TargetNodeID: "draft"})
	wf.Settings.CheckpointIntervalMs = 0

	broken := newTestEngine(t, Config{
		Provider:    &llm.MockProvider{Err: errors.New("upstream down")},
		Checkpoints: checkpoints,
	})
	result, err := broken.Execute(context.Background(), wf, map[string]any{"topic": "go"},
		WithExecutionID("resume-1"))
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, result.Status)

	fixed := &llm.MockProvider{Responses: []string{"all good"}}
	healthy := newTestEngine(t, Config{
		Provider:    fixed,
		Checkpoints: checkpoints,
	})
	result, err = healthy.Execute(context.Background(), wf, map[string]any{"topic": "go"},
		WithExecutionID("resume-1"), WithResume())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, "ALL GOOD", result.Output["summary"])

	// prep completed before the checkpoint, so only draft hit the provider.
	assert.Equal(t, 1, fixed.Calls())
	assert.Equal(t, "go", result.Output["prepped"])
}

func TestEngineExecuteTokenBudget(t *testing.T) {
	provider := &llm.MockProvider{
		Responses:    []string{"pricey"},
		UsagePerCall: types.TokenUsage{TotalTokens: 50},
	}
	e := newTestEngine(t, Config{Provider: provider})

	wf := pipelineWorkflow()
	wf.Settings.MaxTotalTokens = 10

	result, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "token budget exhausted")
	assert.Empty(t, result.Errors[0].NodeID)
}

func TestEngineExecuteAPICallBudget(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{"a"}}
	e := newTestEngine(t, Config{Provider: provider})

	wf := pipelineWorkflow()
	wf.Nodes = append(wf.Nodes, workflow.Node{
		ID:      "second",
		Type:    workflow.NodeTypeAgent,
		AgentID: "writer",
		Config:  workflow.NodeConfig{Retry: noRetry()},
	})
	wf.Edges = append(wf.Edges, workflow.Edge{SourceNodeID: "shape", TargetNodeID: "second"})
	wf.Settings.MaxAPICalls = 1

	result, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "api call budget exhausted")
}

func TestEngineExecuteSavesHistory(t *testing.T) {
	history := newMemHistory()
	e := newTestEngine(t, Config{
		Provider: &llm.MockProvider{Responses: []string{"done"}},
		History:  history,
	})

	result, err := e.Execute(context.Background(), pipelineWorkflow(), nil,
		WithExecutionID("hist-1"))
	require.NoError(t, err)

	rec, err := history.GetRecord(context.Background(), "hist-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, string(workflow.StatusCompleted), rec.Status)
	assert.Equal(t, result.WorkflowID, rec.WorkflowID)
	assert.Equal(t, result.TokensUsed, rec.TokensUsed)
}

func TestEngineExecuteGlobalErrorHandler(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{Err: errors.New("upstream down")}})

	wf := pipelineWorkflow()
	wf.Nodes = append(wf.Nodes, workflow.Node{
		ID:   "rescue",
		Type: workflow.NodeTypeErrorHandler,
	})
	wf.GlobalErrorHandler = "rescue"

	result, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, result.Status)

	rescue, found := result.NodeResults["rescue"]
	require.True(t, found)
	assert.Equal(t, true, rescue["recovered"])
}

func TestEngineExecuteSkipNodesOverride(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{"unused"}}
	e := newTestEngine(t, Config{Provider: provider})

	wf := pipelineWorkflow()
	wf.Nodes[1].Transformations = []workflow.DataMapping{
		{Source: "global.topic", Target: "global.summary"},
	}

	result, err := e.Execute(context.Background(), wf, map[string]any{"topic": "go"},
		WithOverrides(&workflow.Overrides{SkipNodes: []string{"draft"}}))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, 0, provider.Calls())
	assert.NotContains(t, result.NodeResults, "draft")
	assert.Equal(t, "go", result.Output["summary"])
}

func TestEngineExecuteTimeout(t *testing.T) {
	e := newTestEngine(t, Config{Provider: &llm.MockProvider{}})

	wf := humanWorkflow()
	wf.Settings.MaxExecutionTimeMs = 50

	result, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, result.Status)
	assert.Equal(t, "run exceeded max execution time", result.LastError)
}
