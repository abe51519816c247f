// Package stageflow orchestrates conversational pipelines as graphs of
// stages over a shared, schema-typed session state.
//
// A request flows through named stages (classify, research, draft, review,
// ...). Each stage reads the current state and returns a partial update that
// the engine merges with the reducer declared for every key. Edges between
// stages are unconditional, routed by a pure function of state, or fan out to
// a parallel group whose members run concurrently against one snapshot and
// join at a single stage.
//
// # Engine
//
// The Engine validates graph definitions, runs them and checkpoints the
// session after every step. A later run of the same session resumes at the
// stage after the last completed one; a finished session starts a new turn
// that keeps its state. Checkpoints can live in memory, SQLite, PostgreSQL,
// Redis or MongoDB.
//
// Stages get per-attempt timeouts, retries with exponential backoff, an
// optional content-addressed response cache and can be marked Recoverable.
// Run returns a *RunError whose Kind tells definition errors, stage errors,
// timeouts, cancellation and persistence failures apart.
//
// # Streaming
//
// Stream runs a request in the background and yields its events in order:
// stage started, progress tokens reported with EmitProgress, stage completed
// or failed, and a final run completed or run failed event.
//
// # Workers
//
// LocalRunner and the WorkerBundle constructors queue run requests and
// process them with a pool of workers. A failed run is re-enqueued with
// backoff and resumes from its checkpoint.
//
// # GraphBuilder
//
//	g := stageflow.New("legal", schema).
//	    Stage("classify", classify).
//	    Stage("research", research, stageflow.WithRetry(stageflow.Retry(3).Policy())).
//	    Stage("respond", respond).
//	    Route("classify", stageflow.TextSwitch("intent", branches, "research"), targets...).
//	    Edge("research", "respond")
//	g.MustRegister(engine)
package stageflow
