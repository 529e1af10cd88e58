package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/flowkit/types"
)

// ValidationReport is the result of a structural validation pass.
type ValidationReport struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	NodeCount int      `json:"node_count"`
	EdgeCount int      `json:"edge_count"`
}

// Validate checks a workflow definition for structural problems without
// executing it. Errors make the workflow unrunnable; warnings do not.
func Validate(wf *Workflow) ValidationReport {
	report := ValidationReport{
		Errors:    []string{},
		Warnings:  []string{},
		NodeCount: len(wf.Nodes),
		EdgeCount: len(wf.Edges),
	}

	if len(wf.Nodes) == 0 {
		report.Errors = append(report.Errors, "workflow has no nodes")
	}

	seen := make(map[string]struct{}, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if _, dup := seen[n.ID]; dup {
			report.Errors = append(report.Errors, fmt.Sprintf("duplicate node id: %s", n.ID))
			continue
		}
		seen[n.ID] = struct{}{}
	}

	for _, e := range wf.Edges {
		if _, ok := seen[e.SourceNodeID]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("edge %s references unknown source node: %s", e.ID, e.SourceNodeID))
		}
		if _, ok := seen[e.TargetNodeID]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("edge %s references unknown target node: %s", e.ID, e.TargetNodeID))
		}
	}

	for _, n := range wf.Nodes {
		report.Errors = append(report.Errors, validateNodeConfig(&n)...)
	}

	if wf.GlobalErrorHandler != "" {
		if _, ok := seen[wf.GlobalErrorHandler]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("global error handler references unknown node: %s", wf.GlobalErrorHandler))
		}
	}

	varNames := make(map[string]struct{}, len(wf.Variables))
	for _, v := range wf.Variables {
		if _, dup := varNames[v.Name]; dup {
			report.Errors = append(report.Errors, fmt.Sprintf("duplicate variable name: %s", v.Name))
			continue
		}
		varNames[v.Name] = struct{}{}
	}

	if cycle := detectCycle(wf); len(cycle) > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("workflow graph contains cycles involving nodes: %s", strings.Join(cycle, ", ")))
	}

	if len(wf.Nodes) > 50 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("large workflow with %d nodes may be slow to execute", len(wf.Nodes)))
	}
	if wf.Settings.MaxExecutionTimeMs > 3600000 {
		report.Warnings = append(report.Warnings, "max execution time exceeds one hour")
	}

	report.Valid = len(report.Errors) == 0
	return report
}

func validateNodeConfig(n *Node) []string {
	var errs []string
	switch n.Type {
	case NodeTypeAgent:
		if n.AgentID == "" {
			errs = append(errs, fmt.Sprintf("agent node %s has no agent_id", n.ID))
		}
	case NodeTypeDecision:
		if len(n.ConditionBranches) == 0 {
			errs = append(errs, fmt.Sprintf("decision node %s has no condition branches", n.ID))
		}
	case NodeTypeLoop:
		if n.LoopConfig == nil {
			errs = append(errs, fmt.Sprintf("loop node %s has no loop config", n.ID))
		}
	case NodeTypeParallel:
		if len(n.ParallelBranches) == 0 {
			errs = append(errs, fmt.Sprintf("parallel node %s has no branches", n.ID))
		}
	case NodeTypeHumanInLoop:
		if n.Config.HumanConfig == nil {
			errs = append(errs, fmt.Sprintf("human node %s has no human config", n.ID))
		}
	case NodeTypeStorage:
		if n.Config.StorageConfig == nil {
			errs = append(errs, fmt.Sprintf("storage node %s has no storage config", n.ID))
		}
	case NodeTypeAggregator:
		if len(n.AggregationSources) == 0 {
			errs = append(errs, fmt.Sprintf("aggregator node %s has no sources", n.ID))
		}
	}
	return errs
}

// detectCycle runs Kahn's algorithm and returns the node ids left with
// unresolved dependencies, empty when the graph is acyclic.
func detectCycle(wf *Workflow) []string {
	inDegree := make(map[string]int, len(wf.Nodes))
	adjacency := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range wf.Edges {
		if _, ok := inDegree[e.TargetNodeID]; !ok {
			continue
		}
		if _, ok := inDegree[e.SourceNodeID]; !ok {
			continue
		}
		inDegree[e.TargetNodeID]++
		adjacency[e.SourceNodeID] = append(adjacency[e.SourceNodeID], e.TargetNodeID)
	}

	queue := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(wf.Nodes) {
		return nil
	}
	var remaining []string
	for _, n := range wf.Nodes {
		if inDegree[n.ID] > 0 {
			remaining = append(remaining, n.ID)
		}
	}
	return remaining
}

// ValidateInput checks provided input values against the workflow's declared
// variables, applying defaults for missing optional ones. The returned map is
// a copy; the argument is never mutated.
func ValidateInput(wf *Workflow, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}

	for _, v := range wf.Variables {
		val, present := out[v.Name]
		if !present {
			if v.Required && v.Default == nil {
				return nil, types.NewError(types.ErrInvalidInput,
					fmt.Sprintf("required input variable missing: %s", v.Name))
			}
			if v.Default != nil {
				out[v.Name] = v.Default
			}
			continue
		}
		if v.Type != "" && !matchesType(val, v.Type) {
			return nil, types.NewError(types.ErrInvalidInput,
				fmt.Sprintf("input variable %s has wrong type, expected %s", v.Name, v.Type))
		}
	}
	return out, nil
}

func matchesType(val any, typ string) bool {
	switch strings.ToLower(typ) {
	case "string", "str":
		_, ok := val.(string)
		return ok
	case "number", "float":
		switch val.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "integer", "int":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean", "bool":
		_, ok := val.(bool)
		return ok
	case "object", "map", "dict":
		_, ok := val.(map[string]any)
		return ok
	case "array", "list":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
