package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes (build-time, before any node executes).
const (
	ErrDuplicateNodeID ErrorCode = "DUPLICATE_NODE_ID"
	ErrUnknownNode     ErrorCode = "UNKNOWN_NODE"
	ErrMissingConfig   ErrorCode = "MISSING_CONFIG"
	ErrCyclicGraph     ErrorCode = "CYCLIC_GRAPH"
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
)

// Execution error codes (run-time).
const (
	ErrNodeFailed       ErrorCode = "NODE_FAILED"
	ErrRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrNoExecutor       ErrorCode = "NO_EXECUTOR"
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrStorageFailed    ErrorCode = "STORAGE_FAILED"
	ErrRequestNotFound  ErrorCode = "REQUEST_NOT_FOUND"
	ErrRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	ErrProviderFailed   ErrorCode = "PROVIDER_FAILED"
	ErrCheckpointFailed ErrorCode = "CHECKPOINT_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode attaches the failing node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
