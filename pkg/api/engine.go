package api

import (
	"context"

	"github.com/petrijr/stageflow/pkg/state"
)

// RunInfo identifies the run a stage executes in.
type RunInfo struct {
	RunID     string
	SessionID string
	Graph     string
	Step      int
}

// RunRequest asks the engine to execute a graph for a session.
type RunRequest struct {
	Graph     string
	SessionID string

	// Seed is merged into the initial state of a new run. It is ignored
	// when an unfinished run of the session is resumed.
	Seed state.Partial

	// Restart discards any checkpoint and starts from the entry stage.
	Restart bool

	// Sink receives the run's events. Optional for Engine.Run.
	Sink Sink
}

// RunStatus is the final status of a run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunResult summarizes a finished run. State is the final state, or the
// state after the last successful step when the run failed.
type RunResult struct {
	RunID     string
	SessionID string
	Graph     string
	Status    RunStatus
	State     state.State
	Steps     int
	Audit     []AuditEntry
	Resumed   bool
}

// EventStream is the consumer side of a streamed run.
type EventStream interface {
	// Events yields the run's events in order. The channel is closed after
	// the terminal event, or right away once the stream was closed.
	Events() <-chan Event

	// Close detaches the consumer. The run keeps going and its remaining
	// events are dropped.
	Close()

	// Cancel detaches the consumer and cancels the run.
	Cancel()

	// Wait blocks until the run finished.
	Wait() (*RunResult, error)
}

// Engine executes registered graphs.
type Engine interface {
	// RegisterGraph validates def and makes it runnable under def.Name.
	RegisterGraph(def GraphDefinition) error

	// Run executes the request synchronously.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)

	// Stream starts the request in the background and returns its events.
	Stream(ctx context.Context, req RunRequest) (EventStream, error)

	// History lists checkpoints of a session, newest first.
	History(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error)
}
