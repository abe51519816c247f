// Package api contains the core building blocks used by the stageflow
// pipeline engine: stage descriptors, graph definitions, results, events,
// errors and the interfaces the engine talks to.
//
// Most users interact with the higher-level stageflow package, which
// re-exports selected types and helpers from this package and assembles
// definitions through GraphBuilder. The api package is intended for custom
// integrations: cache and checkpoint backends, event sinks and observers.
//
// # Stages
//
// A stage is a named StageFunc that reads the merged session state and
// returns a partial update. A StageDescriptor adds the execution policy:
// per-attempt timeout, retry with exponential backoff, an optional cache
// key and whether a failure may be tolerated.
//
// Stage functions are expected to:
//
//   - Honor ctx: an attempt that exceeds its timeout is abandoned and its
//     late result discarded.
//   - Be idempotent: they may be retried, and cached results stand in for
//     them on later runs.
//   - Write only declared state keys.
//
// # Graphs
//
// A GraphDefinition connects stages with edges. Every stage has at most one
// outgoing Edge: unconditional (To), conditional (Route) or a fan-out to a
// ParallelGroup whose members join at a single stage. A stage without an
// edge ends the run.
//
// # Observability
//
// Engines report lifecycle callbacks to an Observer and stream events to a
// Sink. LoggingObserver and BasicMetrics are ready-made observers; combine
// them with NewCompositeObserver.
package api
