package engine

import (
	"context"
	"fmt"

	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// transformExecutor applies a node's data mappings to the run context in
// declaration order. Later mappings see the writes of earlier ones.
type transformExecutor struct{}

func (e *transformExecutor) Execute(_ context.Context, node *workflow.Node, run *Run) (Result, error) {
	applied := 0
	for _, mapping := range node.Transformations {
		snapshot := run.Context()
		value, found := extractWithDefault(snapshot, mapping)
		if !found {
			continue
		}
		transformed, err := expr.Transform(mapping.Transform, value)
		if err != nil {
			return nil, fmt.Errorf("transform %s -> %s: %w", mapping.Source, mapping.Target, err)
		}
		run.SetPath(mapping.Target, transformed)
		applied++
	}
	return ok("transformed", applied), nil
}

// extractWithDefault resolves a mapping's source path, falling back to its
// default value. The second return is false only when the path is missing
// and no default is declared.
func extractWithDefault(data map[string]any, mapping workflow.DataMapping) (any, bool) {
	if value, found := expr.Extract(data, mapping.Source); found {
		return value, true
	}
	if mapping.Default != nil {
		return mapping.Default, true
	}
	return nil, false
}
