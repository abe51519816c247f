package stageflow

import (
	"fmt"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// GraphBuilder provides a fluent API for defining stage graphs:
//
//	g := stageflow.New("legal", schema).
//	    Stage("classify", classify).
//	    Stage("research", research, stageflow.WithTimeout(30*time.Second)).
//	    Stage("respond", respond).
//	    Route("classify", stageflow.IfRoute(needsResearch, "research", "respond"), "research", "respond").
//	    Edge("research", "respond")
//
//	if err := g.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// The first stage added is the entry stage unless Entry says otherwise. A
// stage without an outgoing edge ends the run.
type GraphBuilder struct {
	def api.GraphDefinition
}

// New creates a new graph builder with the given name and state schema.
func New(name string, schema *state.Schema) *GraphBuilder {
	return &GraphBuilder{
		def: api.GraphDefinition{
			Name:   name,
			Schema: schema,
		},
	}
}

// Name returns the graph name.
func (b *GraphBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying GraphDefinition.
// Typically used when interacting with lower-level APIs.
func (b *GraphBuilder) Definition() GraphDefinition {
	return b.def
}

// StageOption customizes a stage added with GraphBuilder.Stage.
type StageOption func(*api.StageDescriptor)

// WithTimeout bounds each attempt of the stage.
func WithTimeout(d time.Duration) StageOption {
	return func(s *api.StageDescriptor) { s.Timeout = d }
}

// WithRetry sets the stage's retry policy, usually built with Retry.
func WithRetry(p RetryPolicy) StageOption {
	return func(s *api.StageDescriptor) {
		// Copy so callers can reuse their policy value.
		r := p
		s.Retry = &r
	}
}

// WithCache caches the stage's updates under key. ttl <= 0 uses the engine
// default.
func WithCache(key CacheKeyFunc, ttl time.Duration) StageOption {
	return func(s *api.StageDescriptor) {
		s.CacheKey = key
		s.CacheTTL = ttl
	}
}

// WithCacheKeys caches the stage's updates keyed by the given state keys.
func WithCacheKeys(ttl time.Duration, keys ...string) StageOption {
	return WithCache(api.CacheKeyFromKeys(keys...), ttl)
}

// Recoverable lets the run continue past a failure of the stage.
func Recoverable() StageOption {
	return func(s *api.StageDescriptor) { s.Recoverable = true }
}

// Writes declares the state keys the stage writes.
func Writes(keys ...string) StageOption {
	return func(s *api.StageDescriptor) { s.Writes = append(s.Writes, keys...) }
}

// Stage appends a stage to the graph.
func (b *GraphBuilder) Stage(name string, fn StageFunc, opts ...StageOption) *GraphBuilder {
	if name == "" {
		panic("stageflow: stage name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("stageflow: stage %q has nil function", name))
	}

	desc := api.StageDescriptor{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&desc)
	}
	b.def.Stages = append(b.def.Stages, desc)
	return b
}

// Edge adds an unconditional transition. to may be Terminal.
func (b *GraphBuilder) Edge(from, to string) *GraphBuilder {
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, To: to})
	return b
}

// Chain links the named stages in order with unconditional edges.
func (b *GraphBuilder) Chain(stages ...string) *GraphBuilder {
	for i := 1; i < len(stages); i++ {
		b.Edge(stages[i-1], stages[i])
	}
	return b
}

// Route adds a conditional transition. targets, when given, lists every
// name route may return and is checked at registration.
func (b *GraphBuilder) Route(from string, route RouteFunc, targets ...string) *GraphBuilder {
	if route == nil {
		panic(fmt.Sprintf("stageflow: route from %q is nil", from))
	}
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, Route: route, Targets: targets})
	return b
}

// Parallel fans out from a stage to the group's members and continues at
// the group's join.
func (b *GraphBuilder) Parallel(from string, group ParallelGroup) *GraphBuilder {
	g := group
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, Group: &g})
	return b
}

// Entry sets the stage new runs start at.
func (b *GraphBuilder) Entry(stage string) *GraphBuilder {
	b.def.EntryStage = stage
	return b
}

// MaxSteps bounds the number of steps per run; negative disables the bound.
func (b *GraphBuilder) MaxSteps(n int) *GraphBuilder {
	b.def.MaxSteps = n
	return b
}

// Register registers the built graph with the given engine.
func (b *GraphBuilder) Register(eng Engine) error {
	return eng.RegisterGraph(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *GraphBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
