package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// bodyRunner executes one embedded node (a loop body or parallel branch
// member) with the engine's full retry and event handling.
type bodyRunner interface {
	runEmbedded(ctx context.Context, nodeID string, run *Run) (Result, error)
}

// loopExecutor iterates its body nodes as a sub-execution per iteration.
// The current item and index are exposed to body expressions under the
// "loop" context path while an iteration runs.
type loopExecutor struct {
	runner bodyRunner
}

func (e *loopExecutor) Execute(ctx context.Context, node *workflow.Node, run *Run) (Result, error) {
	cfg := node.LoopConfig
	if cfg == nil {
		return fail("loop node has no loop config"), nil
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 100
	}

	items, unbounded, err := e.iterationSource(cfg, run)
	if err != nil {
		return fail(err.Error()), nil
	}

	var iterationResults []any
	iterations := 0
	defer run.SetPath("loop", map[string]any{})

	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !unbounded && i >= len(items) {
			break
		}

		if cfg.Type == workflow.LoopWhile {
			proceed, err := expr.Evaluate(cfg.Condition, run.Context())
			if err != nil {
				return nil, fmt.Errorf("evaluate loop condition: %w", err)
			}
			if !proceed {
				break
			}
		}

		scope := map[string]any{"index": i}
		if !unbounded {
			scope["item"] = items[i]
		}
		run.SetPath("loop", scope)

		if cfg.ContinueCondition != "" {
			skip, err := expr.Evaluate(cfg.ContinueCondition, run.Context())
			if err != nil {
				return nil, fmt.Errorf("evaluate continue condition: %w", err)
			}
			if skip {
				iterations++
				continue
			}
		}

		bodyOutputs := make(map[string]any, len(node.LoopBodyNodes))
		for _, bodyID := range node.LoopBodyNodes {
			result, err := e.runner.runEmbedded(ctx, bodyID, run)
			if err != nil {
				return nil, err
			}
			bodyOutputs[bodyID] = map[string]any(result)
			if !result.Success() {
				out := fail(fmt.Sprintf("loop body node %s failed at iteration %d: %s",
					bodyID, i, result.ErrorMessage()))
				out["iterations"] = iterations
				return out, nil
			}
		}
		iterationResults = append(iterationResults, bodyOutputs)
		iterations++

		if cfg.BreakCondition != "" {
			stop, err := expr.Evaluate(cfg.BreakCondition, run.Context())
			if err != nil {
				return nil, fmt.Errorf("evaluate break condition: %w", err)
			}
			if stop {
				break
			}
		}
	}

	if cfg.Accumulator != "" {
		run.SetPath("global."+cfg.Accumulator, append([]any(nil), iterationResults...))
	}
	result := ok("iterations", iterations)
	result["results"] = iterationResults
	return result, nil
}

// iterationSource resolves the items to iterate. While loops have no item
// list and report unbounded=true.
func (e *loopExecutor) iterationSource(cfg *workflow.LoopConfig, run *Run) ([]any, bool, error) {
	switch cfg.Type {
	case workflow.LoopForEach:
		raw, found := run.Lookup(cfg.Source)
		if !found {
			return nil, false, fmt.Errorf("loop source not found: %s", cfg.Source)
		}
		items, isList := raw.([]any)
		if !isList {
			return nil, false, fmt.Errorf("loop source is not a list: %s", cfg.Source)
		}
		return items, false, nil
	case workflow.LoopRange:
		items, err := parseRange(cfg.Source)
		if err != nil {
			return nil, false, err
		}
		return items, false, nil
	case workflow.LoopWhile:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("unknown loop type: %s", cfg.Type)
	}
}

// parseRange expands "start:stop:step" into its values. Step defaults to 1
// and must move toward stop.
func parseRange(spec string) ([]any, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid range spec: %s", spec)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid range start: %s", parts[0])
	}
	stop, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid range stop: %s", parts[1])
	}
	step := 1
	if len(parts) == 3 {
		step, err = strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || step == 0 {
			return nil, fmt.Errorf("invalid range step: %s", parts[2])
		}
	}
	if (stop > start && step < 0) || (stop < start && step > 0) {
		return nil, fmt.Errorf("range step %d never reaches stop", step)
	}

	var items []any
	if step > 0 {
		for v := start; v < stop; v += step {
			items = append(items, v)
		}
	} else {
		for v := start; v > stop; v += step {
			items = append(items, v)
		}
	}
	return items, nil
}
