// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/stageflow/pkg/api"
)

// PrometheusObserver implements api.Observer with counters and histograms
// labelled by graph and stage.
type PrometheusObserver struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    *prometheus.GaugeVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageAttempts *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the stageflow metrics on reg. A nil reg
// uses prometheus.DefaultRegisterer. Registering twice on the same
// registerer panics.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "stageflow"
	}
	f := promauto.With(reg)

	return &PrometheusObserver{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by final status and error kind.",
		}, []string{"graph", "status", "kind"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"graph", "status"}),
		activeRuns: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}, []string{"graph"}),
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Finished stage executions by outcome.",
		}, []string{"graph", "stage", "status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"graph", "stage"}),
		stageAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_attempts",
			Help:      "Attempts per stage execution.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"graph", "stage"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result (hit, miss, error).",
		}, []string{"graph", "stage", "result"}),
		started: make(map[string]time.Time),
	}
}

func (o *PrometheusObserver) OnRunStart(ctx context.Context, info api.RunInfo) {
	o.activeRuns.WithLabelValues(info.Graph).Inc()
	o.mu.Lock()
	o.started[info.RunID] = time.Now()
	o.mu.Unlock()
}

func (o *PrometheusObserver) OnRunCompleted(ctx context.Context, info api.RunInfo, steps int) {
	o.finish(info, string(api.RunStatusCompleted), "")
}

func (o *PrometheusObserver) OnRunFailed(ctx context.Context, info api.RunInfo, err error) {
	kind := api.KindOf(err)
	status := api.RunStatusFailed
	if kind == api.KindCancelled {
		status = api.RunStatusCancelled
	}
	o.finish(info, string(status), string(kind))
}

func (o *PrometheusObserver) finish(info api.RunInfo, status, kind string) {
	o.activeRuns.WithLabelValues(info.Graph).Dec()
	o.runs.WithLabelValues(info.Graph, status, kind).Inc()

	o.mu.Lock()
	start, ok := o.started[info.RunID]
	delete(o.started, info.RunID)
	o.mu.Unlock()
	if ok {
		o.runDuration.WithLabelValues(info.Graph, status).Observe(time.Since(start).Seconds())
	}
}

func (o *PrometheusObserver) OnStageStart(ctx context.Context, info api.RunInfo, stage string) {}

func (o *PrometheusObserver) OnStageCompleted(ctx context.Context, info api.RunInfo, res api.StageResult) {
	o.stages.WithLabelValues(info.Graph, res.Stage, string(res.Status)).Inc()
	o.stageDuration.WithLabelValues(info.Graph, res.Stage).Observe(res.Duration().Seconds())
	if res.Attempts > 0 {
		o.stageAttempts.WithLabelValues(info.Graph, res.Stage).Observe(float64(res.Attempts))
	}
}

func (o *PrometheusObserver) OnCacheLookup(ctx context.Context, info api.RunInfo, stage string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	o.cacheLookups.WithLabelValues(info.Graph, stage, result).Inc()
}
