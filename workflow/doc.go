// Package workflow defines the declarative workflow model: typed nodes,
// dependency edges, input variables, and execution settings, plus
// structural validation and JSON/YAML serialization.
//
// A Workflow is a directed acyclic graph. Each Node carries the fields for
// exactly one NodeType; edges express scheduling dependencies. Definitions
// are validated with Validate before execution and never mutated by the
// engine, so a single definition can back many concurrent runs.
package workflow
