package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay the run. Stage callbacks of one parallel
// group are invoked from concurrent goroutines.
type Observer interface {
	// OnRunStart is called before the first step of a run, including a
	// resumed one.
	OnRunStart(ctx context.Context, info RunInfo)

	// OnRunCompleted is called when a run reaches Terminal.
	OnRunCompleted(ctx context.Context, info RunInfo, steps int)

	// OnRunFailed is called when a run ends with an error.
	OnRunFailed(ctx context.Context, info RunInfo, err error)

	// OnStageStart is called before a stage is executed.
	OnStageStart(ctx context.Context, info RunInfo, stage string)

	// OnStageCompleted is called once per stage execution, for every status.
	OnStageCompleted(ctx context.Context, info RunInfo, res StageResult)

	// OnCacheLookup is called after a cache lookup. err is a backend error
	// that was treated as a miss.
	OnCacheLookup(ctx context.Context, info RunInfo, stage string, hit bool, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(context.Context, RunInfo)                         {}
func (NoopObserver) OnRunCompleted(context.Context, RunInfo, int)                {}
func (NoopObserver) OnRunFailed(context.Context, RunInfo, error)                 {}
func (NoopObserver) OnStageStart(context.Context, RunInfo, string)               {}
func (NoopObserver) OnStageCompleted(context.Context, RunInfo, StageResult)      {}
func (NoopObserver) OnCacheLookup(context.Context, RunInfo, string, bool, error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, info RunInfo) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, info)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, info RunInfo, steps int) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, info, steps)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, info RunInfo, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, info, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, info RunInfo, stage string) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, info, stage)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, info RunInfo, res StageResult) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, info, res)
	}
}

func (c *CompositeObserver) OnCacheLookup(ctx context.Context, info RunInfo, stage string, hit bool, err error) {
	for _, o := range c.observers {
		o.OnCacheLookup(ctx, info, stage, hit, err)
	}
}

// LoggingObserver writes structured logs using zerolog.
type LoggingObserver struct {
	Logger zerolog.Logger
}

// NewLoggingObserver creates an Observer that logs run / stage lifecycle
// events using the provided logger. If logger is nil, the zerolog global
// logger is used.
func NewLoggingObserver(logger *zerolog.Logger) Observer {
	if logger == nil {
		return &LoggingObserver{Logger: zlog.Logger}
	}
	return &LoggingObserver{Logger: *logger}
}

func (o *LoggingObserver) run(ev *zerolog.Event, info RunInfo) *zerolog.Event {
	return ev.
		Str("graph", info.Graph).
		Str("run_id", info.RunID).
		Str("session_id", info.SessionID)
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, info RunInfo) {
	o.run(o.Logger.Info(), info).Int("step", info.Step).Msg("run_start")
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, info RunInfo, steps int) {
	o.run(o.Logger.Info(), info).Int("steps", steps).Msg("run_completed")
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, info RunInfo, err error) {
	o.run(o.Logger.Error(), info).
		Str("kind", string(KindOf(err))).
		Err(err).
		Msg("run_failed")
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, info RunInfo, stage string) {
	o.run(o.Logger.Debug(), info).
		Int("step", info.Step).
		Str("stage", stage).
		Msg("stage_start")
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, info RunInfo, res StageResult) {
	ev := o.Logger.Debug()
	if !res.OK() {
		ev = o.Logger.Error()
	}
	o.run(ev, info).
		Int("step", info.Step).
		Str("stage", res.Stage).
		Str("status", string(res.Status)).
		Int("attempts", res.Attempts).
		Bool("cache_hit", res.CacheHit).
		Dur("duration", res.Duration()).
		AnErr("error", res.Err).
		Msg("stage_completed")
}

func (o *LoggingObserver) OnCacheLookup(ctx context.Context, info RunInfo, stage string, hit bool, err error) {
	if err != nil {
		o.run(o.Logger.Warn(), info).Str("stage", stage).Err(err).Msg("cache_error")
		return
	}
	o.run(o.Logger.Trace(), info).Str("stage", stage).Bool("hit", hit).Msg("cache_lookup")
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted        atomic.Int64
	runsCompleted      atomic.Int64
	runsFailed         atomic.Int64
	stagesCompleted    atomic.Int64
	stagesFailed       atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
	cacheErrors        atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	PendingRuns   int64

	StagesCompleted  int64
	StagesFailed     int64
	AvgStageDuration time.Duration

	CacheHits   int64
	CacheMisses int64
	CacheErrors int64
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, info RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, info RunInfo, steps int) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, info RunInfo, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, info RunInfo, res StageResult) {
	// Only successful stages count towards the average duration.
	if !res.OK() {
		m.stagesFailed.Add(1)
		return
	}
	m.stagesCompleted.Add(1)
	m.totalStageDuration.Add(res.Duration().Nanoseconds())
}

func (m *BasicMetrics) OnCacheLookup(ctx context.Context, info RunInfo, stage string, hit bool, err error) {
	switch {
	case err != nil:
		m.cacheErrors.Add(1)
	case hit:
		m.cacheHits.Add(1)
	default:
		m.cacheMisses.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		RunsStarted:      started,
		RunsCompleted:    completed,
		RunsFailed:       failed,
		PendingRuns:      started - completed - failed,
		StagesCompleted:  stages,
		StagesFailed:     m.stagesFailed.Load(),
		AvgStageDuration: avg,
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		CacheErrors:      m.cacheErrors.Load(),
	}
}
