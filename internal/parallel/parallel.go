// Package parallel runs the members of a parallel group concurrently and
// joins their results.
package parallel

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stageflow/internal/runner"
	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// Executor fans a group out over the task runner.
type Executor struct {
	runner *runner.Runner
	limit  int
}

// New creates an Executor. limit caps the number of members running at once;
// 0 means no limit.
func New(r *runner.Runner, limit int) *Executor {
	return &Executor{runner: r, limit: limit}
}

// memberEmitter tags a member's events with its group and decides, at the
// member's terminal event, whether the member reported before the group
// collected its results.
type memberEmitter struct {
	group string
	index int
	next  api.Emitter
	ctx   context.Context // parent of the group
	join  *joinState
}

type joinState struct {
	mu        sync.Mutex
	collected bool
	reported  []bool
}

func (m memberEmitter) Emit(ev api.Event) {
	ev.Group = m.group
	m.join.mu.Lock()
	defer m.join.mu.Unlock()

	terminal := ev.Type == api.EventStageCompleted || ev.Type == api.EventStageFailed
	if m.join.collected {
		if !terminal {
			return
		}
		ev = asNotCompleted(ev)
	} else if terminal {
		// Cut off by the group deadline rather than by the parent.
		if ev.Status == api.StatusCancelled && m.ctx.Err() == nil {
			ev = asNotCompleted(ev)
		}
		m.join.reported[m.index] = true
	}
	m.next.Emit(ev)
}

func asNotCompleted(ev api.Event) api.Event {
	ev.Type = api.EventStageFailed
	ev.Status = api.StatusNotCompleted
	ev.Err = api.ErrNotCompleted
	ev.Error = api.ErrNotCompleted.Error()
	return ev
}

// RunGroup executes members against the same snapshot st and waits until all
// of them finished or the group deadline elapsed.
//
// A member's failure never aborts its siblings. Members still running at the
// deadline get a StatusNotCompleted placeholder and their late results are
// ignored. Results are returned in declaration order. RunGroup returns only
// after every member stopped, so no member event follows it.
func (e *Executor) RunGroup(ctx context.Context, info api.RunInfo, group api.ParallelGroup, members []*api.StageDescriptor, st state.State, emit api.Emitter) api.GroupResult {
	if emit == nil {
		emit = api.NopEmitter{}
	}

	var (
		gctx   context.Context
		cancel context.CancelFunc
	)
	if group.Timeout > 0 {
		gctx, cancel = context.WithTimeout(ctx, group.Timeout)
	} else {
		gctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	join := &joinState{reported: make([]bool, len(members))}
	results := make([]api.StageResult, len(members))
	launched := make([]bool, len(members))

	var g errgroup.Group
	if e.limit > 0 {
		g.SetLimit(e.limit)
	}

	allDone := make(chan struct{})
	go func() {
		defer close(allDone)
		for i, m := range members {
			g.Go(func() error {
				// Queued behind the limit past the deadline: never started.
				if gctx.Err() != nil {
					return nil
				}
				launched[i] = true
				me := memberEmitter{group: group.Name, index: i, next: emit, ctx: ctx, join: join}
				results[i] = e.runner.Run(gctx, info, m, st, me)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-allDone:
	case <-gctx.Done():
	}

	join.mu.Lock()
	join.collected = true
	join.mu.Unlock()

	// Cut-off members abandon their attempt as soon as gctx is done.
	cancel()
	<-allDone

	out := api.GroupResult{Group: group.Name, Members: make([]api.StageResult, len(members))}
	for i, m := range members {
		res := results[i]
		switch {
		case !launched[i] || !join.reported[i]:
			res = notCompleted(m.Name, res)
			out.TimedOut = ctx.Err() == nil
		case res.Status == api.StatusCancelled && ctx.Err() == nil:
			res = notCompleted(m.Name, res)
			out.TimedOut = true
		}
		out.Members[i] = res
	}
	out.Cancelled = ctx.Err() != nil
	return out
}

func notCompleted(stage string, partial api.StageResult) api.StageResult {
	return api.StageResult{
		Stage:     stage,
		Status:    api.StatusNotCompleted,
		Err:       api.ErrNotCompleted,
		Attempts:  partial.Attempts,
		StartedAt: partial.StartedAt,
		EndedAt:   partial.EndedAt,
	}
}

// Failed returns the members that did not produce an update.
func Failed(res api.GroupResult) []api.StageResult {
	var out []api.StageResult
	for _, r := range res.Members {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
