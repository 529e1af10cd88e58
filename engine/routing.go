package engine

import (
	"github.com/BaSui01/flowkit/workflow"
)

// skipTracker decides which planned nodes never run because an upstream
// decision (or error handler fallback) routed around them. A node is
// skipped when every dependency is dead: either itself skipped, or a
// router that chose a different target. Join nodes with at least one live
// inbound path still run.
type skipTracker struct {
	wf *workflow.Workflow
}

func newSkipTracker(wf *workflow.Workflow) *skipTracker {
	return &skipTracker{wf: wf}
}

func (t *skipTracker) shouldSkip(nodeID string, run *Run) bool {
	deps := t.wf.Dependencies(nodeID)
	if len(deps) == 0 {
		return false
	}
	for depID := range deps {
		output, found := run.NodeOutput(depID)
		if !found {
			// Dependency has not produced output; treat the path as live.
			return false
		}
		if wasSkipped(output) {
			continue
		}
		if target := routedTarget(output); target != "" && target != nodeID {
			continue
		}
		return false
	}
	return true
}

func wasSkipped(r Result) bool {
	skipped, _ := r["skipped"].(bool)
	return skipped
}

// routedTarget returns the target a decision or error handler chose,
// empty when the result does not route.
func routedTarget(r Result) string {
	target, _ := r["target_node"].(string)
	return target
}
