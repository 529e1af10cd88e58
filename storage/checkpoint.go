package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Checkpoint is a durable snapshot of run progress taken before a node
// executes, enough to resume the run from that point.
type Checkpoint struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	WorkflowID     string         `json:"workflow_id"`
	NodeID         string         `json:"node_id"`
	Sequence       int            `json:"sequence"`
	Context        map[string]any `json:"context"`
	CompletedNodes []string       `json:"completed_nodes"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	// LatestCheckpoint returns the highest-sequence checkpoint for a run,
	// or nil when the run has none.
	LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, executionID string) error
}

// InMemoryCheckpointStore keeps checkpoints in process memory.
type InMemoryCheckpointStore struct {
	mu   sync.RWMutex
	byID map[string][]*Checkpoint
}

// NewInMemoryCheckpointStore creates an empty in-memory store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{byID: make(map[string][]*Checkpoint)}
}

func (s *InMemoryCheckpointStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	s.byID[cp.ExecutionID] = append(s.byID[cp.ExecutionID], &copied)
	return nil
}

func (s *InMemoryCheckpointStore) LatestCheckpoint(_ context.Context, executionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.byID[executionID]
	if len(cps) == 0 {
		return nil, nil
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Sequence > latest.Sequence {
			latest = cp
		}
	}
	copied := *latest
	return &copied, nil
}

func (s *InMemoryCheckpointStore) ListCheckpoints(_ context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.byID[executionID]
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		copied := *cp
		out[i] = &copied
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *InMemoryCheckpointStore) DeleteCheckpoints(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, executionID)
	return nil
}
