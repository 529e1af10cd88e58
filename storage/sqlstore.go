package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore is a GORM-backed CheckpointStore and HistoryStore. SQLite is
// the default driver; any GORM dialector works.
type SQLStore struct {
	db *gorm.DB
}

type checkpointRow struct {
	ID             string `gorm:"primaryKey"`
	ExecutionID    string `gorm:"index"`
	WorkflowID     string
	NodeID         string
	Sequence       int
	Context        string
	CompletedNodes string
	CreatedAt      time.Time
}

func (checkpointRow) TableName() string { return "checkpoints" }

type executionRow struct {
	ExecutionID  string `gorm:"primaryKey"`
	WorkflowID   string `gorm:"index"`
	WorkflowName string
	Status       string
	Output       string
	Errors       string
	StartedAt    time.Time
	CompletedAt  time.Time
	DurationMs   int64
	TokensUsed   int
	CostUSD      float64
	APICallsMade int
}

func (executionRow) TableName() string { return "executions" }

// NewSQLStore wraps an open GORM handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&checkpointRow{}, &executionRow{}); err != nil {
		return nil, fmt.Errorf("migrate storage schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLite opens a SQLite database at path and returns a migrated
// store. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	return NewSQLStore(db)
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	contextJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("marshal checkpoint context: %w", err)
	}
	completedJSON, err := json.Marshal(cp.CompletedNodes)
	if err != nil {
		return fmt.Errorf("marshal completed nodes: %w", err)
	}
	row := checkpointRow{
		ID:             cp.ID,
		ExecutionID:    cp.ExecutionID,
		WorkflowID:     cp.WorkflowID,
		NodeID:         cp.NodeID,
		Sequence:       cp.Sequence,
		Context:        string(contextJSON),
		CompletedNodes: string(completedJSON),
		CreatedAt:      cp.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("sequence DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToCheckpoint(&row)
}

func (s *SQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rowToCheckpoint(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *SQLStore) DeleteCheckpoints(ctx context.Context, executionID string) error {
	return s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Delete(&checkpointRow{}).Error
}

func rowToCheckpoint(row *checkpointRow) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:          row.ID,
		ExecutionID: row.ExecutionID,
		WorkflowID:  row.WorkflowID,
		NodeID:      row.NodeID,
		Sequence:    row.Sequence,
		CreatedAt:   row.CreatedAt,
	}
	if row.Context != "" {
		if err := json.Unmarshal([]byte(row.Context), &cp.Context); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint context: %w", err)
		}
	}
	if row.CompletedNodes != "" {
		if err := json.Unmarshal([]byte(row.CompletedNodes), &cp.CompletedNodes); err != nil {
			return nil, fmt.Errorf("unmarshal completed nodes: %w", err)
		}
	}
	return cp, nil
}

func (s *SQLStore) SaveRecord(ctx context.Context, rec *ExecutionRecord) error {
	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal execution output: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("marshal execution errors: %w", err)
	}
	row := executionRow{
		ExecutionID:  rec.ExecutionID,
		WorkflowID:   rec.WorkflowID,
		WorkflowName: rec.WorkflowName,
		Status:       rec.Status,
		Output:       string(outputJSON),
		Errors:       string(errorsJSON),
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		DurationMs:   rec.DurationMs,
		TokensUsed:   rec.TokensUsed,
		CostUSD:      rec.CostUSD,
		APICallsMade: rec.APICallsMade,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLStore) GetRecord(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var row executionRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToRecord(&row)
}

func (s *SQLStore) ListRecords(ctx context.Context, workflowID string, limit int) ([]*ExecutionRecord, error) {
	q := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []executionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ExecutionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func rowToRecord(row *executionRow) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{
		ExecutionID:  row.ExecutionID,
		WorkflowID:   row.WorkflowID,
		WorkflowName: row.WorkflowName,
		Status:       row.Status,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
		DurationMs:   row.DurationMs,
		TokensUsed:   row.TokensUsed,
		CostUSD:      row.CostUSD,
		APICallsMade: row.APICallsMade,
	}
	if row.Output != "" {
		if err := json.Unmarshal([]byte(row.Output), &rec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal execution output: %w", err)
		}
	}
	if row.Errors != "" {
		if err := json.Unmarshal([]byte(row.Errors), &rec.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal execution errors: %w", err)
		}
	}
	return rec, nil
}
