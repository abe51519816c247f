// Package taskqueue queues run requests for asynchronous execution by
// workers. Queues are FIFO by eligibility time.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRun starts a run of the session or resumes its unfinished one.
	TaskTypeRun TaskType = "run"

	// TaskTypeRestart discards the session's checkpoint and starts over.
	TaskTypeRestart TaskType = "restart"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	Graph     string         `json:"graph"`
	SessionID string         `json:"session_id"`
	Seed      map[string]any `json:"seed,omitempty"`

	// Attempts counts earlier deliveries of this task.
	Attempts int `json:"attempts"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `json:"not_before"`
}

// NewRunTask wraps req in a Task with a fresh ID. A request without a
// session gets one here so that redeliveries resume the same session.
func NewRunTask(req api.RunRequest) Task {
	typ := TaskTypeRun
	if req.Restart {
		typ = TaskTypeRestart
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return Task{
		ID:         uuid.NewString(),
		Type:       typ,
		Graph:      req.Graph,
		SessionID:  req.SessionID,
		Seed:       req.Seed,
		EnqueuedAt: time.Now(),
	}
}

// Request is the run request carried by t.
func (t Task) Request() api.RunRequest {
	return api.RunRequest{
		Graph:     t.Graph,
		SessionID: t.SessionID,
		Seed:      state.Partial(t.Seed),
		Restart:   t.Type == TaskTypeRestart,
	}
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
