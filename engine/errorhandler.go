package engine

import (
	"context"
	"strings"

	"github.com/BaSui01/flowkit/workflow"
)

// errorHandlerExecutor inspects upstream failures and reports which ones
// it handles. An empty ErrorTypes list matches every failure. When the
// node names a fallback, the orchestrator routes to it next.
type errorHandlerExecutor struct{}

func (e *errorHandlerExecutor) Execute(_ context.Context, node *workflow.Node, run *Run) (Result, error) {
	var handled []any
	for _, failedID := range run.FailedNodes() {
		output, found := run.NodeOutput(failedID)
		if !found {
			continue
		}
		msg := output.ErrorMessage()
		if !matchesErrorTypes(msg, node.ErrorTypes) {
			continue
		}
		handled = append(handled, map[string]any{
			"node_id": failedID,
			"error":   msg,
		})
	}

	result := ok("recovered", len(handled) > 0)
	result["handled"] = handled
	if node.FallbackNode != "" && len(handled) > 0 {
		result["target_node"] = node.FallbackNode
	}
	return result, nil
}

func matchesErrorTypes(msg string, errorTypes []string) bool {
	if len(errorTypes) == 0 {
		return true
	}
	lower := strings.ToLower(msg)
	for _, t := range errorTypes {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
