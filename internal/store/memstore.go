package store

import (
	"context"
	"fmt"
	"sync"

	"mitreflow/pkg/framework"
)

// MemStore is an in-memory checkpoint store. Safe for concurrent use.
type MemStore struct {
	mu   sync.Mutex
	runs map[string][]*framework.Checkpoint
}

func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[string][]*framework.Checkpoint)}
}

func (s *MemStore) Put(_ context.Context, cp *framework.Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.ID == "" {
		return fmt.Errorf("put checkpoint: run id and checkpoint id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.runs[cp.RunID]
	for _, c := range list {
		if c.ID == cp.ID || c.Seq == cp.Seq {
			return fmt.Errorf("put checkpoint %s/%s: seq %d already stored", cp.RunID, cp.ID, cp.Seq)
		}
	}
	// list stays ordered by Seq
	i := len(list)
	for i > 0 && list[i-1].Seq > cp.Seq {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = cp.Clone()
	s.runs[cp.RunID] = list
	return nil
}

func (s *MemStore) Get(_ context.Context, runID, checkpointID string) (*framework.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.runs[runID]
	if len(list) == 0 {
		return nil, fmt.Errorf("run %q: %w", runID, framework.ErrCheckpointNotFound)
	}
	if checkpointID == "" {
		return list[len(list)-1].Clone(), nil
	}
	for _, c := range list {
		if c.ID == checkpointID {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("run %q checkpoint %q: %w", runID, checkpointID, framework.ErrCheckpointNotFound)
}

func (s *MemStore) List(_ context.Context, runID string) ([]*framework.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.runs[runID]
	out := make([]*framework.Checkpoint, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
