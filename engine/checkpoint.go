package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowkit/storage"
	"github.com/BaSui01/flowkit/types"
)

// checkpointer snapshots run progress before node executions. The
// checkpoint interval throttles how often snapshots are written; a zero
// interval checkpoints before every node.
type checkpointer struct {
	store  storage.CheckpointStore
	clock  Clock
	events *Recorder
	logger *zap.Logger

	lastSaved time.Time
}

func newCheckpointer(store storage.CheckpointStore, clock Clock, events *Recorder, logger *zap.Logger) *checkpointer {
	return &checkpointer{store: store, clock: clock, events: events, logger: logger}
}

// maybeSave checkpoints the run if the interval has elapsed since the last
// snapshot. Failures are logged, not fatal: losing a checkpoint must not
// fail a healthy run.
func (c *checkpointer) maybeSave(ctx context.Context, run *Run, nodeID string, intervalMs int) {
	now := c.clock.Now()
	if intervalMs > 0 && !c.lastSaved.IsZero() && now.Sub(c.lastSaved) < time.Duration(intervalMs)*time.Millisecond {
		return
	}
	if err := c.save(ctx, run, nodeID); err != nil {
		c.logger.Warn("checkpoint save failed",
			zap.String("execution_id", run.ExecutionID),
			zap.String("node_id", nodeID),
			zap.Error(err))
		return
	}
	c.lastSaved = now
}

func (c *checkpointer) save(ctx context.Context, run *Run, nodeID string) error {
	cp := &storage.Checkpoint{
		ID:             uuid.New().String(),
		ExecutionID:    run.ExecutionID,
		WorkflowID:     run.Workflow.ID,
		NodeID:         nodeID,
		Sequence:       run.nextSequence(),
		Context:        run.Context(),
		CompletedNodes: run.CompletedNodes(),
		CreatedAt:      c.clock.Now(),
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return types.NewError(types.ErrCheckpointFailed, "save checkpoint").WithCause(err)
	}
	c.events.Emit(Event{
		Type:        EventCheckpoint,
		ExecutionID: run.ExecutionID,
		NodeID:      nodeID,
		Data:        map[string]any{"sequence": cp.Sequence},
	})
	return nil
}

// resume restores run state from the latest checkpoint, returning whether
// one existed.
func (c *checkpointer) resume(ctx context.Context, run *Run) (bool, error) {
	cp, err := c.store.LatestCheckpoint(ctx, run.ExecutionID)
	if err != nil {
		return false, types.NewError(types.ErrCheckpointFailed, "load checkpoint").WithCause(err)
	}
	if cp == nil {
		return false, nil
	}
	run.restore(cp.Context, cp.CompletedNodes, cp.Sequence)
	c.logger.Info("resumed from checkpoint",
		zap.String("execution_id", run.ExecutionID),
		zap.Int("sequence", cp.Sequence),
		zap.Int("completed_nodes", len(cp.CompletedNodes)))
	return true, nil
}
