package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearWorkflow() *Workflow {
	return &Workflow{
		ID:      "wf-1",
		Name:    "linear",
		Version: "1.0.0",
		Nodes: []Node{
			{ID: "a", Type: NodeTypeAgent, Name: "a", AgentID: "agent-1"},
			{ID: "b", Type: NodeTypeTransform, Name: "b"},
		},
		Edges: []Edge{
			{ID: "e1", SourceNodeID: "a", TargetNodeID: "b"},
		},
		Settings: DefaultSettings(),
	}
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	report := Validate(linearWorkflow())
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.NodeCount)
	assert.Equal(t, 1, report.EdgeCount)
}

func TestValidateDuplicateNodeID(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "a", Type: NodeTypeTransform, Name: "dup"})
	report := Validate(wf)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Errors, "duplicate node id: a")
}

func TestValidateUnknownEdgeRefs(t *testing.T) {
	wf := linearWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", SourceNodeID: "a", TargetNodeID: "ghost"})
	report := Validate(wf)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "unknown target node: ghost")
}

func TestValidateCycleDetection(t *testing.T) {
	wf := linearWorkflow()
	wf.Edges = append(wf.Edges, Edge{ID: "e2", SourceNodeID: "b", TargetNodeID: "a"})
	report := Validate(wf)
	assert.False(t, report.Valid)
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "cycles") {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle error, got %v", report.Errors)
}

func TestValidateNodeTypeRequirements(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want string
	}{
		{"agent without agent_id", Node{ID: "n", Type: NodeTypeAgent}, "no agent_id"},
		{"decision without branches", Node{ID: "n", Type: NodeTypeDecision}, "no condition branches"},
		{"loop without config", Node{ID: "n", Type: NodeTypeLoop}, "no loop config"},
		{"parallel without branches", Node{ID: "n", Type: NodeTypeParallel}, "no branches"},
		{"human without config", Node{ID: "n", Type: NodeTypeHumanInLoop}, "no human config"},
		{"storage without config", Node{ID: "n", Type: NodeTypeStorage}, "no storage config"},
		{"aggregator without sources", Node{ID: "n", Type: NodeTypeAggregator}, "no sources"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &Workflow{ID: "wf", Name: "wf", Nodes: []Node{tt.node}, Settings: DefaultSettings()}
			report := Validate(wf)
			assert.False(t, report.Valid)
			require.NotEmpty(t, report.Errors)
			assert.Contains(t, report.Errors[0], tt.want)
		})
	}
}

func TestValidateDuplicateVariableNames(t *testing.T) {
	wf := linearWorkflow()
	wf.Variables = []Variable{
		{Name: "topic", Type: "string"},
		{Name: "topic", Type: "string"},
	}
	report := Validate(wf)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Errors, "duplicate variable name: topic")
}

func TestValidateWarnings(t *testing.T) {
	wf := linearWorkflow()
	for i := 0; i < 60; i++ {
		wf.Nodes = append(wf.Nodes, Node{ID: string(rune('c' + i)), Type: NodeTypeTransform, Name: "n"})
	}
	wf.Settings.MaxExecutionTimeMs = 7200000
	report := Validate(wf)
	assert.True(t, report.Valid)
	assert.Len(t, report.Warnings, 2)
}

func TestValidateInputDefaultsAndRequired(t *testing.T) {
	wf := linearWorkflow()
	wf.Variables = []Variable{
		{Name: "topic", Type: "string", Required: true},
		{Name: "limit", Type: "integer", Default: 10},
	}

	out, err := ValidateInput(wf, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, "go", out["topic"])
	assert.Equal(t, 10, out["limit"])

	_, err = ValidateInput(wf, map[string]any{})
	require.Error(t, err)

	_, err = ValidateInput(wf, map[string]any{"topic": 42})
	require.Error(t, err)
}

func TestValidateInputDoesNotMutateArgument(t *testing.T) {
	wf := linearWorkflow()
	wf.Variables = []Variable{{Name: "limit", Type: "integer", Default: 10}}
	in := map[string]any{}
	out, err := ValidateInput(wf, in)
	require.NoError(t, err)
	assert.Empty(t, in)
	assert.Equal(t, 10, out["limit"])
}

func TestValidateInputNumericTypes(t *testing.T) {
	wf := linearWorkflow()
	wf.Variables = []Variable{{Name: "n", Type: "integer"}}

	// JSON decoding yields float64 for whole numbers.
	_, err := ValidateInput(wf, map[string]any{"n": float64(3)})
	require.NoError(t, err)

	_, err = ValidateInput(wf, map[string]any{"n": 3.5})
	require.Error(t, err)
}
