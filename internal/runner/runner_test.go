package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/internal/cache"
	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

type recorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *recorder) Emit(ev api.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []api.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func testState(t *testing.T) state.State {
	t.Helper()
	st, err := state.Initial(state.MustSchema(
		state.Text("query"),
		state.Text("answer"),
		state.History("history"),
	), state.Partial{"query": "what is negligence?"})
	require.NoError(t, err)
	return st
}

var info = api.RunInfo{RunID: "run-1", SessionID: "s-1", Graph: "g", Step: 1}

func TestRun_Success(t *testing.T) {
	r := New(Config{})
	rec := &recorder{}
	stage := &api.StageDescriptor{Name: "answer", Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
		api.EmitProgress(ctx, "hel")
		api.EmitProgress(ctx, "lo")
		return state.Partial{"answer": "hello"}, nil
	}}

	res := r.Run(context.Background(), info, stage, testState(t), rec)

	require.Equal(t, api.StatusOK, res.Status)
	assert.Equal(t, state.Partial{"answer": "hello"}, res.Update)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.EndedAt.Before(res.StartedAt))
	assert.Equal(t, []api.EventType{
		api.EventStageStarted, api.EventStageProgress, api.EventStageProgress, api.EventStageCompleted,
	}, rec.types())
	assert.Equal(t, "run-1", rec.events[0].RunID)
	assert.Equal(t, "lo", rec.events[2].Token)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	stage := &api.StageDescriptor{
		Name:  "research",
		Retry: &api.RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return state.Partial{"answer": "ok"}, nil
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)

	require.Equal(t, api.StatusOK, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestRun_RetriesExhausted(t *testing.T) {
	boom := errors.New("boom")
	stage := &api.StageDescriptor{
		Name:  "research",
		Retry: &api.RetryPolicy{MaxRetries: 2},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			return nil, boom
		},
	}
	rec := &recorder{}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), rec)

	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, boom)
	types := rec.types()
	assert.Equal(t, api.EventStageFailed, types[len(types)-1])
}

func TestRun_BackoffDelaysAccumulate(t *testing.T) {
	stage := &api.StageDescriptor{
		Name:  "flaky",
		Retry: &api.RetryPolicy{MaxRetries: 2, InitialBackoff: 20 * time.Millisecond, BackoffMultiplier: 2},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			return nil, errors.New("nope")
		},
	}

	start := time.Now()
	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)
	elapsed := time.Since(start)

	assert.Equal(t, api.StatusFailed, res.Status)
	// 20ms + 40ms
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestRun_PermanentErrorIsNotRetried(t *testing.T) {
	stage := &api.StageDescriptor{
		Name:  "validate",
		Retry: &api.RetryPolicy{MaxRetries: 5},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			return nil, api.Permanent(errors.New("bad input"))
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)

	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestRun_TimeoutAbandonsAttempt(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stage := &api.StageDescriptor{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			// Ignores ctx on purpose.
			<-release
			api.EmitProgress(ctx, "late")
			return state.Partial{"answer": "late"}, nil
		},
	}
	rec := &recorder{}

	start := time.Now()
	res := New(Config{}).Run(context.Background(), info, stage, testState(t), rec)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, api.StatusTimeout, res.Status)
	assert.ErrorIs(t, res.Err, api.ErrStageTimeout)
	assert.Nil(t, res.Update)

	// Let the abandoned attempt finish; its token must not surface.
	release <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []api.EventType{api.EventStageStarted, api.EventStageFailed}, rec.types())
}

func TestRun_ResultBeforeDeadlineIsKept(t *testing.T) {
	stage := &api.StageDescriptor{
		Name:    "quick",
		Timeout: 500 * time.Millisecond,
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			time.Sleep(10 * time.Millisecond)
			return state.Partial{"answer": "in time"}, nil
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)
	assert.Equal(t, api.StatusOK, res.Status)
}

func TestRun_DefaultTimeoutFromConfig(t *testing.T) {
	stage := &api.StageDescriptor{
		Name: "slow",
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	res := New(Config{DefaultTimeout: 10 * time.Millisecond}).Run(context.Background(), info, stage, testState(t), nil)
	assert.Equal(t, api.StatusTimeout, res.Status)
}

func TestRun_TimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	stage := &api.StageDescriptor{
		Name:    "sometimes-slow",
		Timeout: 20 * time.Millisecond,
		Retry:   &api.RetryPolicy{MaxRetries: 1},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return state.Partial{"answer": "second"}, nil
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)
	require.Equal(t, api.StatusOK, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestRun_CancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	stage := &api.StageDescriptor{
		Name:  "draft",
		Retry: &api.RetryPolicy{MaxRetries: 5, InitialBackoff: time.Second},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			calls.Add(1)
			return nil, errors.New("fail")
		},
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := New(Config{}).Run(ctx, info, stage, testState(t), nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, api.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_CacheHitSkipsStage(t *testing.T) {
	var calls atomic.Int32
	stage := &api.StageDescriptor{
		Name:     "research",
		CacheKey: api.CacheKeyFromKeys("query"),
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			calls.Add(1)
			return state.Partial{"answer": "fresh"}, nil
		},
	}
	c := cache.NewMemoryCache(cache.Options{})
	metrics := &api.BasicMetrics{}
	r := New(Config{Cache: c, Observer: metrics, DefaultCacheTTL: time.Minute})

	first := r.Run(context.Background(), info, stage, testState(t), nil)
	second := r.Run(context.Background(), info, stage, testState(t), nil)

	require.Equal(t, api.StatusOK, first.Status)
	require.Equal(t, api.StatusOK, second.Status)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Update, second.Update)
	assert.Equal(t, int32(1), calls.Load())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
}

func TestRun_FailuresAreNotCached(t *testing.T) {
	var calls atomic.Int32
	stage := &api.StageDescriptor{
		Name:     "research",
		CacheKey: api.CacheKeyFromKeys("query"),
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			calls.Add(1)
			return nil, errors.New("down")
		},
	}
	c := cache.NewMemoryCache(cache.Options{})
	r := New(Config{Cache: c})

	r.Run(context.Background(), info, stage, testState(t), nil)
	r.Run(context.Background(), info, stage, testState(t), nil)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, api.Fingerprint) (state.Partial, bool, error) {
	return nil, false, errors.New("backend down")
}

func (brokenCache) Put(context.Context, api.Fingerprint, state.Partial, time.Duration) error {
	return errors.New("backend down")
}

func TestRun_CacheErrorsAreForcedMisses(t *testing.T) {
	stage := &api.StageDescriptor{
		Name:     "research",
		CacheKey: api.CacheKeyFromKeys("query"),
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			return state.Partial{"answer": "fresh"}, nil
		},
	}
	metrics := &api.BasicMetrics{}

	res := New(Config{Cache: brokenCache{}, Observer: metrics}).Run(context.Background(), info, stage, testState(t), nil)

	require.Equal(t, api.StatusOK, res.Status)
	assert.Equal(t, int64(2), metrics.Snapshot().CacheErrors, "both lookup and store errors are reported")
}

func TestRun_InvalidUpdateFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	stage := &api.StageDescriptor{
		Name:  "classify",
		Retry: &api.RetryPolicy{MaxRetries: 3},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			calls.Add(1)
			return state.Partial{"intent": "simple"}, nil
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)

	assert.Equal(t, api.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, state.ErrUnknownStateKey)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_UndeclaredWriteFails(t *testing.T) {
	stage := &api.StageDescriptor{
		Name:   "answer",
		Writes: []string{"answer"},
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			return state.Partial{"answer": "x", "query": "rewritten"}, nil
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)
	assert.Equal(t, api.StatusFailed, res.Status)
}

func TestRun_PanicIsFailure(t *testing.T) {
	stage := &api.StageDescriptor{
		Name: "explode",
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			panic("kaboom")
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)
	assert.Equal(t, api.StatusFailed, res.Status)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

func TestRun_StageSeesRunInfo(t *testing.T) {
	var got api.RunInfo
	stage := &api.StageDescriptor{
		Name: "who",
		Fn: func(ctx context.Context, st state.State) (state.Partial, error) {
			got, _ = api.RunInfoFromContext(ctx)
			return nil, nil
		},
	}

	res := New(Config{}).Run(context.Background(), info, stage, testState(t), nil)
	require.Equal(t, api.StatusOK, res.Status)
	assert.Equal(t, info, got)
	assert.Equal(t, state.Partial{}, res.Update)
}
