package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

type graphRegistry struct {
	mu     sync.RWMutex
	byName map[string]*compiledGraph
}

func newGraphRegistry() *graphRegistry {
	return &graphRegistry{
		byName: make(map[string]*compiledGraph),
	}
}

func (r *graphRegistry) Register(g *compiledGraph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[g.name]; exists {
		return &api.DefinitionError{Graph: g.name, Reason: "duplicate graph name", Err: api.ErrGraphExists}
	}
	r.byName[g.name] = g
	return nil
}

func (r *graphRegistry) Get(name string) (*compiledGraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownGraph, name)
	}
	return g, nil
}

func (r *graphRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// compiledGraph is the validated, immutable form of a GraphDefinition.
type compiledGraph struct {
	name     string
	schema   *state.Schema
	entry    string
	maxSteps int

	stages map[string]*api.StageDescriptor
	edges  map[string]api.Edge
	groups map[string]*compiledGroup
}

type compiledGroup struct {
	spec     api.ParallelGroup
	from     string
	members  []*api.StageDescriptor
	required map[string]bool
}

// isCursor reports whether name is a valid checkpoint cursor.
func (g *compiledGraph) isCursor(name string) bool {
	if name == api.Terminal {
		return true
	}
	if _, ok := g.stages[name]; ok {
		return true
	}
	_, ok := g.groups[name]
	return ok
}

// compile validates def. Every structural problem is reported here as a
// *api.DefinitionError so that no run can start on a malformed graph.
func compile(def api.GraphDefinition) (*compiledGraph, error) {
	fail := func(stage, format string, args ...any) error {
		return &api.DefinitionError{Graph: def.Name, Stage: stage, Reason: fmt.Sprintf(format, args...)}
	}

	if def.Name == "" {
		return nil, fail("", "graph name is required")
	}
	if def.Schema == nil {
		return nil, fail("", "state schema is required")
	}
	if len(def.Stages) == 0 {
		return nil, fail("", "graph must have at least one stage")
	}

	g := &compiledGraph{
		name:     def.Name,
		schema:   def.Schema,
		maxSteps: def.MaxSteps,
		stages:   make(map[string]*api.StageDescriptor, len(def.Stages)),
		edges:    make(map[string]api.Edge, len(def.Edges)),
		groups:   make(map[string]*compiledGroup),
	}

	for i := range def.Stages {
		sd := def.Stages[i]
		switch {
		case sd.Name == "":
			return nil, fail("", "stage %d has no name", i)
		case reserved(sd.Name):
			return nil, fail(sd.Name, "stage name is reserved")
		case sd.Fn == nil:
			return nil, fail(sd.Name, "stage function is nil")
		case sd.Retry != nil && sd.Retry.MaxRetries < 0:
			return nil, fail(sd.Name, "negative MaxRetries")
		}
		if _, dup := g.stages[sd.Name]; dup {
			return nil, fail(sd.Name, "duplicate stage name")
		}
		for _, key := range sd.Writes {
			if _, ok := def.Schema.Lookup(key); !ok {
				return nil, &api.DefinitionError{
					Graph: def.Name, Stage: sd.Name,
					Reason: fmt.Sprintf("writes undeclared key %q", key),
					Err:    state.ErrUnknownStateKey,
				}
			}
		}
		sd.Writes = slices.Clone(sd.Writes)
		g.stages[sd.Name] = &sd
	}

	g.entry = def.EntryStage
	if g.entry == "" {
		g.entry = def.Stages[0].Name
	}
	if _, ok := g.stages[g.entry]; !ok {
		return nil, fail(g.entry, "entry stage is not defined")
	}

	isTarget := func(name string) bool {
		_, ok := g.stages[name]
		return ok || name == api.Terminal
	}

	for _, e := range def.Edges {
		if _, ok := g.stages[e.From]; !ok {
			return nil, fail(e.From, "edge from unknown stage")
		}
		if _, dup := g.edges[e.From]; dup {
			return nil, fail(e.From, "more than one outgoing edge")
		}

		kinds := 0
		if e.To != "" {
			kinds++
		}
		if e.Route != nil {
			kinds++
		}
		if e.Group != nil {
			kinds++
		}
		if kinds != 1 {
			return nil, fail(e.From, "edge must set exactly one of To, Route and Group")
		}

		switch {
		case e.To != "":
			if !isTarget(e.To) {
				return nil, fail(e.From, "edge to unknown stage %q", e.To)
			}
		case e.Route != nil:
			for _, t := range e.Targets {
				if !isTarget(t) {
					return nil, fail(e.From, "route target %q is not a stage", t)
				}
			}
			e.Targets = slices.Clone(e.Targets)
		case e.Group != nil:
			grp, err := compileGroup(g, e.From, *e.Group)
			if err != nil {
				return nil, err
			}
			e.Group = &grp.spec
			g.groups[grp.spec.Name] = grp
		}
		g.edges[e.From] = e
	}

	// Members join through the group, never through their own edges.
	for _, grp := range g.groups {
		for _, m := range grp.members {
			if _, ok := g.edges[m.Name]; ok {
				return nil, fail(m.Name, "member of parallel group %q has its own outgoing edge", grp.spec.Name)
			}
			if m.Name == g.entry {
				return nil, fail(m.Name, "member of parallel group %q is the entry stage", grp.spec.Name)
			}
		}
	}

	return g, nil
}

func compileGroup(g *compiledGraph, from string, spec api.ParallelGroup) (*compiledGroup, error) {
	fail := func(format string, args ...any) error {
		return &api.DefinitionError{Graph: g.name, Stage: from, Reason: fmt.Sprintf(format, args...)}
	}

	if spec.Name == "" {
		spec.Name = from + "/parallel"
	}
	if reserved(spec.Name) {
		return nil, fail("group name %q is reserved", spec.Name)
	}
	if _, clash := g.stages[spec.Name]; clash {
		return nil, fail("group name %q clashes with a stage", spec.Name)
	}
	if _, clash := g.groups[spec.Name]; clash {
		return nil, fail("duplicate group name %q", spec.Name)
	}
	if len(spec.Members) == 0 {
		return nil, fail("parallel group %q has no members", spec.Name)
	}
	if spec.Join == "" {
		return nil, fail("parallel group %q has no join stage", spec.Name)
	}
	if _, ok := g.stages[spec.Join]; !ok && spec.Join != api.Terminal {
		return nil, fail("join stage %q of group %q is not defined", spec.Join, spec.Name)
	}

	grp := &compiledGroup{from: from, required: make(map[string]bool, len(spec.Required))}
	seen := make(map[string]bool, len(spec.Members))
	for _, name := range spec.Members {
		sd, ok := g.stages[name]
		switch {
		case !ok:
			return nil, fail("member %q of group %q is not defined", name, spec.Name)
		case seen[name]:
			return nil, fail("member %q listed twice in group %q", name, spec.Name)
		case name == from:
			return nil, fail("group %q lists its own source stage", spec.Name)
		case name == spec.Join:
			return nil, fail("member %q of group %q is also its join stage", name, spec.Name)
		}
		seen[name] = true
		grp.members = append(grp.members, sd)
	}
	for _, name := range spec.Required {
		if !seen[name] {
			return nil, fail("required stage %q is not a member of group %q", name, spec.Name)
		}
		grp.required[name] = true
	}

	spec.Members = slices.Clone(spec.Members)
	spec.Required = slices.Clone(spec.Required)
	grp.spec = spec
	return grp, nil
}

func reserved(name string) bool {
	return name == api.Entry || name == api.Terminal
}
