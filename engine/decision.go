package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// decisionExecutor evaluates a node's condition branches against the run
// context. Branches are tried in descending priority and the first true
// expression wins; ties keep declaration order.
type decisionExecutor struct{}

func (e *decisionExecutor) Execute(_ context.Context, node *workflow.Node, run *Run) (Result, error) {
	branches := make([]workflow.ConditionBranch, len(node.ConditionBranches))
	copy(branches, node.ConditionBranches)
	sort.SliceStable(branches, func(i, j int) bool {
		return branches[i].Priority > branches[j].Priority
	})

	snapshot := run.Context()
	for _, branch := range branches {
		matched, err := expr.Evaluate(branch.Expression, snapshot)
		if err != nil {
			return nil, fmt.Errorf("evaluate branch %q: %w", branch.Name, err)
		}
		if matched {
			return ok(
				"branch", branch.Name,
				"target_node", branch.Target,
				"expression", branch.Expression,
			), nil
		}
	}

	if node.DefaultTarget != "" {
		return ok(
			"branch", "default",
			"target_node", node.DefaultTarget,
		), nil
	}
	return fail("no condition branch matched and no default target is set"), nil
}
