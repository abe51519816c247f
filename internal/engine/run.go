package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// runLoop is the mutable state of one run. It is owned by the goroutine
// executing the run.
type runLoop struct {
	e      *engineImpl
	graph  *compiledGraph
	info   api.RunInfo
	store  *state.Store
	cursor string
	audit  []api.AuditEntry
	emit   api.Emitter

	// committed is the state of the last checkpointed step.
	committed state.State
}

type failure struct {
	stage string
	kind  api.ErrorKind
	err   error
}

func (e *engineImpl) execute(ctx context.Context, p *plan, emit api.Emitter) (*api.RunResult, error) {
	r := &runLoop{
		e:         e,
		graph:     p.graph,
		info:      p.info,
		store:     state.StoreFrom(p.state),
		cursor:    p.cursor,
		audit:     slices.Clone(p.audit),
		emit:      emit,
		committed: p.state,
	}
	res := &api.RunResult{
		RunID:     p.info.RunID,
		SessionID: p.info.SessionID,
		Graph:     p.graph.name,
		Resumed:   p.resumed,
	}

	e.observer.OnRunStart(ctx, r.info)

	limit := e.stepLimit(r.graph)
	for r.cursor != api.Terminal {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, res, &failure{stage: r.cursor, kind: api.KindCancelled, err: err})
		}
		if limit > 0 && r.info.Step >= limit {
			return r.fail(ctx, res, &failure{
				stage: r.cursor,
				kind:  api.KindStepLimit,
				err:   fmt.Errorf("%w: %d steps", api.ErrStepLimit, limit),
			})
		}

		var f *failure
		if grp, ok := r.graph.groups[r.cursor]; ok {
			f = r.runGroup(ctx, grp)
		} else {
			f = r.runStage(ctx, r.graph.stages[r.cursor])
		}
		if f != nil {
			return r.fail(ctx, res, f)
		}
	}

	final := r.store.Current()
	res.Status = api.RunStatusCompleted
	res.State = final
	res.Steps = r.info.Step
	res.Audit = r.audit

	ev := r.event(api.EventRunCompleted)
	ev.State = final.Snapshot()
	r.emit.Emit(ev)
	e.observer.OnRunCompleted(ctx, r.info, r.info.Step)
	return res, nil
}

func (r *runLoop) runStage(ctx context.Context, sd *api.StageDescriptor) *failure {
	info := r.info
	info.Step++

	res := r.e.runner.Run(ctx, info, sd, r.store.Current(), r.emit)
	entry := api.NewAuditEntry(info.Step, "", res)

	switch {
	case res.OK():
		if _, err := r.store.Merge(res.Update); err != nil {
			r.audit = append(r.audit, entry)
			return &failure{stage: sd.Name, kind: api.KindStageError, err: err}
		}
	case res.Status == api.StatusCancelled || !sd.Recoverable:
		r.audit = append(r.audit, entry)
		return &failure{stage: sd.Name, kind: kindOf(res), err: res.Err}
	default:
		// Recoverable: behaves like an empty update.
		entry.Recovered = true
	}

	return r.commit(ctx, sd.Name, entry)
}

func (r *runLoop) runGroup(ctx context.Context, grp *compiledGroup) *failure {
	info := r.info
	info.Step++

	gr := r.e.parallel.RunGroup(ctx, info, grp.spec, grp.members, r.store.Current(), r.emit)
	if gr.Cancelled {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return &failure{stage: grp.spec.Name, kind: api.KindCancelled, err: err}
	}

	entries := make([]api.AuditEntry, 0, len(gr.Members))
	var fatal *failure
	for _, m := range gr.Members {
		entry := api.NewAuditEntry(info.Step, grp.spec.Name, m)
		if !m.OK() {
			if grp.required[m.Stage] {
				if fatal == nil {
					fatal = &failure{stage: m.Stage, kind: kindOf(m), err: m.Err}
				}
			} else {
				entry.Recovered = true
			}
		}
		entries = append(entries, entry)
	}
	if fatal != nil {
		r.audit = append(r.audit, entries...)
		return fatal
	}

	// Declaration order keeps reducer results stable across runs.
	for _, m := range gr.Members {
		if !m.OK() {
			continue
		}
		if _, err := r.store.Merge(m.Update); err != nil {
			r.audit = append(r.audit, entries...)
			return &failure{stage: m.Stage, kind: api.KindStageError, err: err}
		}
	}

	return r.commit(ctx, grp.from, entries...)
}

// commit closes a step: the counter and the audit trail advance before the
// outgoing edge of from is evaluated, then the step is checkpointed.
func (r *runLoop) commit(ctx context.Context, from string, entries ...api.AuditEntry) *failure {
	r.info.Step++
	r.audit = append(r.audit, entries...)

	var next string
	if grp, ok := r.graph.groups[r.cursor]; ok {
		next = grp.spec.Join
	} else {
		var f *failure
		next, f = r.next(from)
		if f != nil {
			return f
		}
	}

	cp := api.Checkpoint{
		SessionID: r.info.SessionID,
		RunID:     r.info.RunID,
		Graph:     r.graph.name,
		Step:      r.info.Step,
		Next:      next,
		State:     r.store.Snapshot(),
		Audit:     slices.Clone(r.audit),
		CreatedAt: time.Now().UTC(),
	}
	// A finished step is recorded even when the run is being cancelled.
	if err := r.e.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return &failure{stage: from, kind: api.KindPersistence, err: fmt.Errorf("save checkpoint: %w", err)}
	}

	r.committed = r.store.Current()
	r.cursor = next
	return nil
}

// next evaluates the outgoing edge of stage against the merged state.
func (r *runLoop) next(stage string) (string, *failure) {
	edge, ok := r.graph.edges[stage]
	if !ok {
		return api.Terminal, nil
	}

	switch {
	case edge.To != "":
		return edge.To, nil
	case edge.Group != nil:
		return edge.Group.Name, nil
	}

	target, err := route(edge.Route, r.store.Current())
	if err == nil {
		err = r.checkTarget(edge, target)
	}
	if err != nil {
		return "", &failure{stage: stage, kind: api.KindDefinition, err: err}
	}
	return target, nil
}

func (r *runLoop) checkTarget(edge api.Edge, target string) error {
	_, isStage := r.graph.stages[target]
	if !isStage && target != api.Terminal {
		return &api.DefinitionError{
			Graph: r.graph.name, Stage: edge.From,
			Reason: fmt.Sprintf("route returned unknown stage %q", target),
		}
	}
	if len(edge.Targets) > 0 && !slices.Contains(edge.Targets, target) {
		return &api.DefinitionError{
			Graph: r.graph.name, Stage: edge.From,
			Reason: fmt.Sprintf("route returned undeclared target %q", target),
		}
	}
	return nil
}

func route(fn api.RouteFunc, st state.State) (target string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("route panicked: %v", p)
		}
	}()
	return fn(st), nil
}

func (r *runLoop) fail(ctx context.Context, res *api.RunResult, f *failure) (*api.RunResult, error) {
	runErr := &api.RunError{
		RunID:     r.info.RunID,
		SessionID: r.info.SessionID,
		Graph:     r.graph.name,
		Stage:     f.stage,
		Kind:      f.kind,
		Err:       f.err,
		Audit:     slices.Clone(r.audit),
	}

	res.Status = api.RunStatusFailed
	if f.kind == api.KindCancelled {
		res.Status = api.RunStatusCancelled
	}
	res.State = r.committed
	res.Steps = r.info.Step
	res.Audit = r.audit

	ev := r.event(api.EventRunFailed)
	ev.Stage = f.stage
	ev.Err = runErr
	ev.Error = runErr.Error()
	r.emit.Emit(ev)
	r.e.observer.OnRunFailed(ctx, r.info, runErr)
	return res, runErr
}

func (r *runLoop) event(typ api.EventType) api.Event {
	return api.Event{
		Type:      typ,
		Time:      time.Now(),
		RunID:     r.info.RunID,
		SessionID: r.info.SessionID,
		Graph:     r.graph.name,
		Step:      r.info.Step,
	}
}

func kindOf(res api.StageResult) api.ErrorKind {
	switch res.Status {
	case api.StatusCancelled:
		return api.KindCancelled
	case api.StatusTimeout, api.StatusNotCompleted:
		return api.KindStageTimeout
	default:
		return api.KindStageError
	}
}

// serialEmitter numbers events and serializes delivery to a caller's sink,
// which may not be safe for concurrent use.
type serialEmitter struct {
	mu   sync.Mutex
	seq  uint64
	sink api.Sink
}

func newSerialEmitter(sink api.Sink) api.Emitter {
	if sink == nil {
		return api.NopEmitter{}
	}
	return &serialEmitter{sink: sink}
}

func (s *serialEmitter) Emit(ev api.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Seq = s.seq
	s.sink.Emit(ev)
}
