package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowkit/workflow"
)

// parallelExecutor runs a node's branches concurrently, each branch being
// a sequential sub-execution of its member nodes. The wait strategy
// decides how many branch completions settle the node; remaining branches
// are cancelled once the outcome is settled, and the executor always
// waits for them to stop before returning.
type parallelExecutor struct {
	runner bodyRunner
	limit  int
}

type branchOutcome struct {
	id       string
	required bool
	result   Result
	err      error
}

func (e *parallelExecutor) Execute(ctx context.Context, node *workflow.Node, run *Run) (Result, error) {
	branches := node.ParallelBranches
	if len(branches) == 0 {
		return fail("parallel node has no branches"), nil
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(branchCtx)
	if e.limit > 0 {
		g.SetLimit(e.limit)
	}

	outcomes := make(chan branchOutcome, len(branches))
	for _, branch := range branches {
		branch := branch
		g.Go(func() error {
			result, err := e.runBranch(gctx, &branch, run)
			outcomes <- branchOutcome{
				id:       branch.ID,
				required: branch.Required,
				result:   result,
				err:      err,
			}
			return nil
		})
	}

	result, err := e.settle(ctx, node, outcomes, len(branches), cancel)
	_ = g.Wait()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settle consumes branch outcomes until the wait strategy is satisfied.
func (e *parallelExecutor) settle(ctx context.Context, node *workflow.Node, outcomes <-chan branchOutcome, total int, cancel context.CancelFunc) (Result, error) {
	strategy := node.WaitStrategy
	if strategy == "" {
		strategy = workflow.WaitAll
	}
	needed := node.WaitCount
	if strategy == workflow.WaitNOfM && needed <= 0 {
		needed = total
	}

	branchResults := make(map[string]any, total)
	successes := 0
	var requiredFailure *branchOutcome

	for received := 0; received < total; received++ {
		var outcome branchOutcome
		select {
		case outcome = <-outcomes:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if outcome.err != nil {
			// Branch errors surface as failed branch results so one
			// faulty branch cannot poison a tolerant wait strategy.
			outcome.result = fail(outcome.err.Error())
		}
		branchResults[outcome.id] = map[string]any(outcome.result)
		succeeded := outcome.result.Success()
		if succeeded {
			successes++
		} else if outcome.required && requiredFailure == nil {
			copied := outcome
			requiredFailure = &copied
		}

		switch strategy {
		case workflow.WaitAny:
			if succeeded {
				cancel()
				return parallelSuccess(branchResults, outcome.id, successes), nil
			}
		case workflow.WaitRace:
			cancel()
			if succeeded {
				return parallelSuccess(branchResults, outcome.id, successes), nil
			}
			out := fail(fmt.Sprintf("first branch to finish failed: %s", outcome.id))
			out["branches"] = branchResults
			return out, nil
		case workflow.WaitNOfM:
			if successes >= needed {
				cancel()
				return parallelSuccess(branchResults, "", successes), nil
			}
		}
	}

	switch strategy {
	case workflow.WaitAny:
		out := fail("no parallel branch succeeded")
		out["branches"] = branchResults
		return out, nil
	case workflow.WaitNOfM:
		out := fail(fmt.Sprintf("only %d of required %d branches succeeded", successes, needed))
		out["branches"] = branchResults
		return out, nil
	default:
		if requiredFailure != nil {
			out := fail(fmt.Sprintf("required branch failed: %s: %s",
				requiredFailure.id, requiredFailure.result.ErrorMessage()))
			out["branches"] = branchResults
			return out, nil
		}
		return parallelSuccess(branchResults, "", successes), nil
	}
}

func parallelSuccess(branchResults map[string]any, winner string, successes int) Result {
	result := ok("successes", successes)
	result["branches"] = branchResults
	if winner != "" {
		result["winner"] = winner
	}
	return result
}

// runBranch executes a branch's member nodes in order, stopping at the
// first failure.
func (e *parallelExecutor) runBranch(ctx context.Context, branch *workflow.ParallelBranch, run *Run) (Result, error) {
	if branch.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(branch.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	outputs := make(map[string]any, len(branch.Nodes))
	for _, nodeID := range branch.Nodes {
		result, err := e.runner.runEmbedded(ctx, nodeID, run)
		if err != nil {
			return nil, err
		}
		outputs[nodeID] = map[string]any(result)
		if !result.Success() {
			out := fail(fmt.Sprintf("branch node %s failed: %s", nodeID, result.ErrorMessage()))
			out["outputs"] = outputs
			return out, nil
		}
	}
	result := ok("branch", branch.ID)
	result["outputs"] = outputs
	return result, nil
}
