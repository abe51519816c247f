package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

func legalSchema() *state.Schema {
	return state.MustSchema(
		state.Text("query"),
		state.Text("jurisdiction"),
		state.Text("intent"),
		state.Text("plan"),
		state.Text("research"),
		state.Text("review"),
		state.Text("validation").WithDefault("unchecked"),
		state.List("citations"),
		state.Text("answer"),
		state.History("trace"),
	)
}

// counted wraps fn and counts its invocations.
type counted struct {
	calls atomic.Int32
	fn    api.StageFunc
}

func (c *counted) Fn(ctx context.Context, st state.State) (state.Partial, error) {
	c.calls.Add(1)
	return c.fn(ctx, st)
}

func count(fn api.StageFunc) *counted { return &counted{fn: fn} }

func set(key, value string) api.StageFunc {
	return func(ctx context.Context, st state.State) (state.Partial, error) {
		return state.Partial{key: value, "trace": key}, nil
	}
}

func sleepThenSet(d time.Duration, key, value string) api.StageFunc {
	return func(ctx context.Context, st state.State) (state.Partial, error) {
		select {
		case <-time.After(d):
			return state.Partial{key: value}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []api.Event
}

func (l *eventLog) Emit(ev api.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) started() []string {
	var out []string
	for _, ev := range l.all() {
		if ev.Type == api.EventStageStarted {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func (l *eventLog) count(typ api.EventType) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
