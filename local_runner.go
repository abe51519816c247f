package stageflow

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/petrijr/stageflow/internal/taskqueue"
	"github.com/petrijr/stageflow/pkg/worker"
)

// LocalRunner bundles an Engine, an in-memory task queue, and a Worker
// to run many sessions concurrently in one process.
//
// Typical usage:
//
//	runner := stageflow.NewLocalRunner(nil)
//	stageflow.New("legal", schema).Stage(...).MustRegister(runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 4)
//	_, _ = runner.Submit(ctx, stageflow.RunRequest{Graph: "legal", SessionID: id, Seed: seed})
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine executes the submitted runs.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	log zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner around eng, or around an in-memory
// engine when eng is nil.
func NewLocalRunner(eng Engine) *LocalRunner {
	return NewLocalRunnerWithConfig(eng, worker.Config{})
}

// NewLocalRunnerWithConfig is NewLocalRunner with a worker retry policy.
func NewLocalRunnerWithConfig(eng Engine, cfg worker.Config) *LocalRunner {
	if eng == nil {
		eng = NewInMemoryEngine()
	}
	logger := zlog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	q := taskqueue.NewInMemoryQueue(1024)
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.NewWithConfig(eng, q, cfg),
		log:    logger.With().Str("component", "local_runner").Logger(),
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stageflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(id int) {
			defer r.wg.Done()

			for {
				_, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					// Cancellation is a clean shutdown signal.
					return
				}
				if err != nil {
					// A failed run must not kill the loop.
					r.log.Warn().Err(err).Int("worker", id).Msg("run_failed")
				}
			}
		}(i)
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Submit enqueues req for asynchronous execution and returns the task ID.
// The graph must already be registered on LocalRunner.Engine. A request
// without a session ID is assigned one; read it back through History.
func (r *LocalRunner) Submit(ctx context.Context, req RunRequest) (string, error) {
	return r.Worker.Enqueue(ctx, req)
}
