package api

import (
	"context"
	"time"
)

// Checkpoint is the durable record written after every step of a run.
// Next is the cursor to continue from: a stage name, a parallel group name,
// or Terminal once the run completed.
type Checkpoint struct {
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	Graph     string         `json:"graph"`
	Step      int            `json:"step"`
	Next      string         `json:"next"`
	State     map[string]any `json:"state"`
	Audit     []AuditEntry   `json:"audit"`
	CreatedAt time.Time      `json:"created_at"`
}

// Done reports whether the checkpointed run reached Terminal.
func (c Checkpoint) Done() bool { return c.Next == Terminal }

// CheckpointStore persists checkpoints keyed by session.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LoadCheckpoint returns the latest checkpoint of the session or
	// ErrCheckpointNotFound.
	LoadCheckpoint(ctx context.Context, sessionID string) (Checkpoint, error)

	// ListCheckpoints returns up to limit checkpoints of the session, newest
	// first. limit <= 0 returns all of them.
	ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error)
}
