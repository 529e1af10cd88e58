package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
)

// Plan is the scheduling order for one run: dependency levels where every
// node in a level depends only on earlier levels. Nodes inside a level are
// sorted by id so plans are deterministic.
type Plan struct {
	Levels [][]string
}

// NodeOrder returns the flattened sequential order.
func (p *Plan) NodeOrder() []string {
	var out []string
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// BuildPlan computes dependency levels with Kahn's algorithm. Nodes that
// only exist as loop bodies or parallel branch members are excluded; their
// owning node executes them. A cyclic graph is an error.
func BuildPlan(wf *workflow.Workflow) (*Plan, error) {
	embedded := embeddedNodes(wf)
	// The global error handler runs out of plan, after a fatal failure.
	if wf.GlobalErrorHandler != "" {
		embedded[wf.GlobalErrorHandler] = struct{}{}
	}

	inDegree := make(map[string]int)
	adjacency := make(map[string][]string)
	for _, n := range wf.Nodes {
		if _, skip := embedded[n.ID]; skip {
			continue
		}
		inDegree[n.ID] = 0
	}
	for _, e := range wf.Edges {
		if _, ok := inDegree[e.SourceNodeID]; !ok {
			continue
		}
		if _, ok := inDegree[e.TargetNodeID]; !ok {
			continue
		}
		inDegree[e.TargetNodeID]++
		adjacency[e.SourceNodeID] = append(adjacency[e.SourceNodeID], e.TargetNodeID)
	}

	frontier := make([]string, 0, len(inDegree))
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var levels [][]string
	visited := 0
	for len(frontier) > 0 {
		level := frontier
		levels = append(levels, level)
		visited += len(level)

		var next []string
		for _, id := range level {
			for _, target := range adjacency[id] {
				inDegree[target]--
				if inDegree[target] == 0 {
					next = append(next, target)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if visited != len(inDegree) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, types.NewError(types.ErrCyclicGraph,
			fmt.Sprintf("workflow graph contains cycles involving nodes: %s", strings.Join(stuck, ", ")))
	}
	return &Plan{Levels: levels}, nil
}

// embeddedNodes returns ids that belong to a loop body or a parallel
// branch and therefore never appear in the top-level plan.
func embeddedNodes(wf *workflow.Workflow) map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range wf.Nodes {
		for _, id := range n.LoopBodyNodes {
			out[id] = struct{}{}
		}
		for _, branch := range n.ParallelBranches {
			for _, id := range branch.Nodes {
				out[id] = struct{}{}
			}
		}
	}
	return out
}
