package storage

import (
	"context"
	"time"
)

// ExecutionRecord is the durable summary of one workflow run.
type ExecutionRecord struct {
	ExecutionID  string         `json:"execution_id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	DurationMs   int64          `json:"duration_ms"`
	TokensUsed   int            `json:"tokens_used"`
	CostUSD      float64        `json:"cost_usd"`
	APICallsMade int            `json:"api_calls_made"`
}

// HistoryStore persists completed run summaries for later inspection.
type HistoryStore interface {
	SaveRecord(ctx context.Context, rec *ExecutionRecord) error
	GetRecord(ctx context.Context, executionID string) (*ExecutionRecord, error)
	// ListRecords returns the most recent records for a workflow,
	// newest first. A zero limit means no limit.
	ListRecords(ctx context.Context, workflowID string, limit int) ([]*ExecutionRecord, error)
}
