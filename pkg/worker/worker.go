package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/api"
)

// Config controls task-level retries. A failed run is re-enqueued with the
// same session, so the engine resumes it from its last checkpoint.
type Config struct {
	// MaxAttempts includes the first delivery. Zero or one disables
	// re-enqueueing.
	MaxAttempts int

	// Backoff is the delay before the first re-delivery; it doubles on each
	// further attempt, capped by MaxBackoff when set.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Logger defaults to the zerolog global logger.
	Logger *zerolog.Logger
}

// Worker pulls run requests from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	log    zerolog.Logger
}

// New creates a new Worker that runs each task once.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with a task retry policy.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	logger := zlog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		log:    logger.With().Str("component", "worker").Logger(),
	}
}

// Enqueue submits req for asynchronous execution and returns the task ID.
// It does NOT run the graph itself; that is done by ProcessOne.
func (w *Worker) Enqueue(ctx context.Context, req api.RunRequest) (string, error) {
	t := taskqueue.NewRunTask(req)
	return t.ID, w.queue.Enqueue(ctx, t)
}

// EnqueueAt submits req for execution no earlier than at.
func (w *Worker) EnqueueAt(ctx context.Context, req api.RunRequest, at time.Time) (string, error) {
	t := taskqueue.NewRunTask(req)
	t.NotBefore = at
	return t.ID, w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (usually ctx cancellation).
//   - processed == true: a task was run; err is the run's error, if any.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeRun, taskqueue.TaskTypeRestart:
	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}

	logger := w.log.With().
		Str("task_id", task.ID).
		Str("graph", task.Graph).
		Str("session_id", task.SessionID).
		Int("attempt", task.Attempts+1).
		Logger()

	res, runErr := w.engine.Run(ctx, task.Request())
	if runErr == nil {
		logger.Debug().Str("run_id", res.RunID).Int("steps", res.Steps).Msg("task_completed")
		return true, nil
	}

	if !w.retryable(task, runErr) {
		logger.Error().Err(runErr).Str("kind", string(api.KindOf(runErr))).Msg("task_failed")
		return true, runErr
	}

	retry := *task
	retry.Attempts++
	// A retry resumes the session; restarting again would discard progress.
	retry.Type = taskqueue.TaskTypeRun
	retry.NotBefore = time.Now().Add(w.backoff(task.Attempts))
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		logger.Error().Err(err).Msg("task_requeue_failed")
		return true, fmt.Errorf("requeue task %s: %w (run error: %v)", task.ID, err, runErr)
	}
	logger.Warn().Err(runErr).Time("not_before", retry.NotBefore).Msg("task_requeued")
	return true, runErr
}

func (w *Worker) retryable(task *taskqueue.Task, err error) bool {
	if task.Attempts+1 >= w.cfg.MaxAttempts {
		return false
	}
	// Errors raised before the run started (unknown graph, bad seed) are
	// not RunErrors and would fail the same way again.
	var runErr *api.RunError
	if !errors.As(err, &runErr) {
		return false
	}
	switch runErr.Kind {
	case api.KindStageError, api.KindStageTimeout, api.KindPersistence:
		return true
	default:
		return false
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 0; i < attempt && d > 0; i++ {
		d *= 2
		if w.cfg.MaxBackoff > 0 && d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}
