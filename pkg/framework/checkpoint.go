package framework

import (
	"context"
	"maps"
	"time"
)

// NodeStatus is a node's position in its per-run state machine.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether s is completed or failed.
func (s NodeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Checkpoint is the persisted state of a run after one node's merge.
// Status holds only terminal nodes; anything absent is re-run on resume.
type Checkpoint struct {
	RunID     string                `json:"run_id"`
	ID        string                `json:"checkpoint_id"`
	Seq       int                   `json:"seq"`
	Node      string                `json:"node"`
	Snapshot  []byte                `json:"snapshot"`
	Status    map[string]NodeStatus `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
}

// Clone returns a deep copy of c.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Snapshot = append([]byte(nil), c.Snapshot...)
	out.Status = maps.Clone(c.Status)
	return &out
}

// CheckpointStore persists checkpoints keyed by (run id, checkpoint id).
type CheckpointStore interface {
	Put(ctx context.Context, cp *Checkpoint) error
	// Get returns the named checkpoint, or the latest one for the run when
	// checkpointID is empty. Unknown keys return ErrCheckpointNotFound.
	Get(ctx context.Context, runID, checkpointID string) (*Checkpoint, error)
	// List returns the run's checkpoints in ascending Seq order.
	List(ctx context.Context, runID string) ([]*Checkpoint, error)
}
