package api

import (
	"time"

	"github.com/petrijr/stageflow/pkg/state"
)

// Sentinel cursor values of the graph state machine.
const (
	Entry    = "__entry__"
	Terminal = "__terminal__"
)

// RouteFunc picks the next stage from the merged state. It must be a pure
// function of st: it may be called from many runs concurrently.
// Returning Terminal ends the run.
type RouteFunc func(st state.State) string

// ParallelGroup fans out to Members, which run concurrently against the same
// state snapshot, and continues at Join once all of them finished or the
// group deadline elapsed.
type ParallelGroup struct {
	// Name identifies the group in checkpoints and audit records.
	// Defaults to "<source>/parallel".
	Name string

	Members []string
	Join    string

	// Timeout caps the slowest member. Zero means no group deadline.
	Timeout time.Duration

	// Required lists members whose failure is fatal for the run. Failures
	// of other members are recovered locally: their keys keep their
	// current values.
	Required []string
}

// Edge is the single outgoing transition of a stage. Exactly one of To,
// Route and Group is set.
type Edge struct {
	From string

	To string

	Route RouteFunc
	// Targets optionally declares every value Route may return. When set,
	// targets are validated at registration and enforced at run time.
	Targets []string

	Group *ParallelGroup
}

// GraphDefinition describes a stage graph.
type GraphDefinition struct {
	Name   string
	Schema *state.Schema
	Stages []StageDescriptor
	Edges  []Edge

	// EntryStage is the first stage executed by a new run.
	EntryStage string

	// MaxSteps bounds the number of steps per run; zero uses the engine
	// default, negative disables the bound.
	MaxSteps int
}
