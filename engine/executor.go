package engine

import (
	"context"

	"github.com/BaSui01/flowkit/workflow"
)

// Result is the outcome of a single node execution. Every result carries a
// "success" boolean; failed results add an "error" message. Executors add
// type-specific keys next to these.
type Result map[string]any

// Success reports whether the result's success flag is true.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// ErrorMessage returns the error message of a failed result, empty
// otherwise.
func (r Result) ErrorMessage() string {
	msg, _ := r["error"].(string)
	return msg
}

// ok builds a success result from key-value pairs.
func ok(kv ...any) Result {
	r := Result{"success": true}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		r[key] = kv[i+1]
	}
	return r
}

// fail builds a failure result with an error message.
func fail(msg string) Result {
	return Result{"success": false, "error": msg}
}

// NodeExecutor executes one node type. An error return signals an
// unexpected fault and drives the retry loop; an expected domain failure
// is reported as a result with success=false instead.
type NodeExecutor interface {
	Execute(ctx context.Context, node *workflow.Node, run *Run) (Result, error)
}
