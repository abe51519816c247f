// Package runner executes a single stage: cache lookup, per-attempt timeout,
// retry with backoff and result normalization.
package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// Config describes how to construct a Runner.
type Config struct {
	// Cache is consulted for stages with a CacheKey. Nil disables caching.
	Cache api.Cache

	Observer api.Observer

	// DefaultTimeout applies to stages without a Timeout. Zero means no
	// deadline.
	DefaultTimeout time.Duration

	// DefaultCacheTTL applies to stages without a CacheTTL.
	DefaultCacheTTL time.Duration
}

// Runner executes stages. It is safe for concurrent use.
type Runner struct {
	cache          api.Cache
	observer       api.Observer
	defaultTimeout time.Duration
	defaultTTL     time.Duration
}

// New creates a Runner.
func New(cfg Config) *Runner {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Runner{
		cache:          cfg.Cache,
		observer:       obs,
		defaultTimeout: cfg.DefaultTimeout,
		defaultTTL:     cfg.DefaultCacheTTL,
	}
}

// Run executes stage against st and reports its events through emit.
//
// Run never returns an error: every outcome is normalized into the result's
// Status and Err. A cancelled ctx yields StatusCancelled without further
// retries.
func (r *Runner) Run(ctx context.Context, info api.RunInfo, stage *api.StageDescriptor, st state.State, emit api.Emitter) (res api.StageResult) {
	if emit == nil {
		emit = api.NopEmitter{}
	}
	res = api.StageResult{Stage: stage.Name, StartedAt: time.Now()}

	emit.Emit(r.event(info, api.EventStageStarted, stage.Name))
	r.observer.OnStageStart(ctx, info, stage.Name)

	defer func() {
		res.EndedAt = time.Now()
		r.observer.OnStageCompleted(ctx, info, res)

		ev := r.event(info, api.EventStageCompleted, stage.Name)
		if !res.OK() {
			ev.Type = api.EventStageFailed
			ev.Err = res.Err
			ev.Error = errString(res.Err)
		}
		ev.Status = res.Status
		ev.Attempts = res.Attempts
		ev.CacheHit = res.CacheHit
		emit.Emit(ev)
	}()

	fp, cacheable := r.fingerprint(stage, st)
	if cacheable {
		update, hit, err := r.cache.Get(ctx, fp)
		if err == nil && hit {
			// A cached update that no longer fits the schema is a miss.
			if verr := validate(stage, st, update); verr != nil {
				hit, err = false, verr
			}
		}
		r.observer.OnCacheLookup(ctx, info, stage.Name, hit, err)
		if hit {
			res.Status = api.StatusOK
			res.Update = update
			res.CacheHit = true
			return res
		}
	}

	policy := api.RetryPolicy{}
	if stage.Retry != nil {
		policy = *stage.Retry
	}
	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		res.Attempts++
		update, err := r.attempt(ctx, info, stage, st, timeout, emit)
		if err == nil {
			err = validate(stage, st, update)
		}
		if err == nil {
			res.Status = api.StatusOK
			res.Update = update
			if cacheable {
				r.store(ctx, info, stage, fp, update)
			}
			return res
		}
		lastErr = err

		if ctx.Err() != nil || api.IsPermanent(err) || attempt == policy.MaxRetries {
			break
		}

		if delay := policy.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
			case <-timer.C:
			}
		}
	}

	res.Err = lastErr
	switch {
	case ctx.Err() != nil:
		res.Status = api.StatusCancelled
		if !errors.Is(lastErr, ctx.Err()) {
			res.Err = ctx.Err()
		}
	case errors.Is(lastErr, api.ErrStageTimeout):
		res.Status = api.StatusTimeout
	default:
		res.Status = api.StatusFailed
	}
	return res
}

type outcome struct {
	update state.Partial
	err    error
}

// attempt runs the stage function once in its own goroutine. When the
// deadline passes first the attempt is abandoned: its late result and any
// further progress tokens are discarded.
func (r *Runner) attempt(ctx context.Context, info api.RunInfo, stage *api.StageDescriptor, st state.State, timeout time.Duration, emit api.Emitter) (state.Partial, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var abandoned atomic.Bool
	actx = api.WithRunInfo(actx, info)
	actx = api.WithProgress(actx, func(tok string) {
		if abandoned.Load() {
			return
		}
		ev := r.event(info, api.EventStageProgress, stage.Name)
		ev.Token = tok
		emit.Emit(ev)
	})

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("stage %q panicked: %v", stage.Name, p)}
			}
		}()
		u, err := stage.Fn(actx, st)
		done <- outcome{update: u, err: err}
	}()

	select {
	case o := <-done:
		if actx.Err() != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			// Finished at or after the deadline.
			abandoned.Store(true)
			return nil, fmt.Errorf("%w after %s", api.ErrStageTimeout, timeout)
		}
		if o.err != nil {
			return nil, o.err
		}
		if o.update == nil {
			return state.Partial{}, nil
		}
		return o.update, nil
	case <-actx.Done():
		abandoned.Store(true)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", api.ErrStageTimeout, timeout)
	}
}

func (r *Runner) fingerprint(stage *api.StageDescriptor, st state.State) (api.Fingerprint, bool) {
	if r.cache == nil || stage.CacheKey == nil {
		return "", false
	}
	fp, ok := stage.CacheKey(st)
	if !ok {
		return "", false
	}
	// Namespaced so two stages over the same inputs never share an entry.
	return api.Fingerprint(stage.Name + ":" + string(fp)), true
}

func (r *Runner) store(ctx context.Context, info api.RunInfo, stage *api.StageDescriptor, fp api.Fingerprint, update state.Partial) {
	ttl := stage.CacheTTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.cache.Put(ctx, fp, update, ttl); err != nil {
		r.observer.OnCacheLookup(ctx, info, stage.Name, false, fmt.Errorf("cache put: %w", err))
	}
}

// validate checks update against the schema and the stage's declared
// writes. A malformed update is not retried.
func validate(stage *api.StageDescriptor, st state.State, update state.Partial) error {
	if len(stage.Writes) > 0 {
		for k := range update {
			if !slices.Contains(stage.Writes, k) {
				return api.Permanent(fmt.Errorf("stage %q wrote undeclared key %q", stage.Name, k))
			}
		}
	}
	if st.IsZero() {
		return nil
	}
	if _, err := st.Merge(update); err != nil {
		return api.Permanent(fmt.Errorf("stage %q returned an invalid update: %w", stage.Name, err))
	}
	return nil
}

func (r *Runner) event(info api.RunInfo, typ api.EventType, stage string) api.Event {
	return api.Event{
		Type:      typ,
		Time:      time.Now(),
		RunID:     info.RunID,
		SessionID: info.SessionID,
		Graph:     info.Graph,
		Step:      info.Step,
		Stage:     stage,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
