package engine

import (
	"context"
	"fmt"

	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// aggregatorExecutor combines values gathered from context paths. Sources
// that resolve to nothing are skipped rather than failing the node, so an
// aggregator can follow optional branches.
type aggregatorExecutor struct{}

func (e *aggregatorExecutor) Execute(_ context.Context, node *workflow.Node, run *Run) (Result, error) {
	snapshot := run.Context()
	var values []any
	for _, source := range node.AggregationSources {
		// Bare node ids read that node's output.
		path := source
		if _, found := expr.Extract(snapshot, path); !found {
			path = "nodes." + source
		}
		if val, found := expr.Extract(snapshot, path); found {
			values = append(values, val)
		}
	}

	method := node.AggregationMethod
	if method == "" {
		method = workflow.AggregateMerge
	}
	aggregated, err := aggregate(method, values)
	if err != nil {
		return fail(err.Error()), nil
	}

	result := ok("method", string(method))
	result["result"] = aggregated
	result["sources_found"] = len(values)
	return result, nil
}

func aggregate(method workflow.AggregationMethod, values []any) (any, error) {
	switch method {
	case workflow.AggregateMerge:
		// Non-map sources are skipped; the remaining maps merge with
		// later sources winning on key conflicts.
		merged := make(map[string]any)
		for _, v := range values {
			m, isMap := v.(map[string]any)
			if !isMap {
				continue
			}
			for k, val := range m {
				merged[k] = val
			}
		}
		return merged, nil

	case workflow.AggregateConcat:
		// Lists flatten one level; scalars are appended as-is.
		var out []any
		for _, v := range values {
			if list, isList := v.([]any); isList {
				out = append(out, list...)
			} else {
				out = append(out, v)
			}
		}
		return out, nil

	case workflow.AggregateFirst:
		if len(values) == 0 {
			return nil, nil
		}
		return values[0], nil

	case workflow.AggregateLast:
		if len(values) == 0 {
			return nil, nil
		}
		return values[len(values)-1], nil

	case workflow.AggregateSum, workflow.AggregateAverage:
		// Non-numeric values are ignored.
		sum := 0.0
		count := 0
		for _, v := range values {
			if f, isNum := expr.ToFloat(v); isNum {
				sum += f
				count++
			}
		}
		if method == workflow.AggregateSum {
			return sum, nil
		}
		if count == 0 {
			return 0.0, nil
		}
		return sum / float64(count), nil

	case workflow.AggregateCustom:
		// Custom aggregation passes the raw values through for a
		// downstream transform to shape.
		return values, nil

	default:
		return nil, fmt.Errorf("unknown aggregation method: %s", method)
	}
}
