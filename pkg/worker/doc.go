// Package worker executes queued run requests.
//
// A Worker pulls tasks from a taskqueue.Queue and runs them on an
// api.Engine. Several workers may share one queue; each task is delivered to
// exactly one of them. Because runs checkpoint every step, a task that is
// re-enqueued after a failure resumes its session instead of starting over.
//
// Most applications use stageflow.LocalRunner, which wires an engine, an
// in-memory queue and a pool of workers together.
package worker
