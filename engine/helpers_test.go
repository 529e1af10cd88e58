package engine

import (
	"github.com/BaSui01/flowkit/workflow"
)

func testWorkflow(nodes ...workflow.Node) *workflow.Workflow {
	return &workflow.Workflow{
		ID:       "wf-test",
		Name:     "test",
		Version:  "1.0.0",
		Nodes:    nodes,
		Settings: workflow.DefaultSettings(),
	}
}

func testRun(wf *workflow.Workflow, input map[string]any) *Run {
	return newRun("exec-test", wf, input, NewClock())
}
