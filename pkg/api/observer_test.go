package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	completes int
	fails     int

	stageStarts    int
	stageCompletes int
	cacheLookups   int

	lastInfo     RunInfo
	lastErr      error
	lastSteps    int
	lastStage    string
	lastResult   StageResult
	lastCacheHit bool
	lastCacheErr error
}

func (o *testObserver) OnRunStart(ctx context.Context, info RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastInfo = info
}

func (o *testObserver) OnRunCompleted(ctx context.Context, info RunInfo, steps int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
	o.lastSteps = steps
}

func (o *testObserver) OnRunFailed(ctx context.Context, info RunInfo, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastErr = err
}

func (o *testObserver) OnStageStart(ctx context.Context, info RunInfo, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageStarts++
	o.lastStage = stage
}

func (o *testObserver) OnStageCompleted(ctx context.Context, info RunInfo, res StageResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageCompletes++
	o.lastResult = res
}

func (o *testObserver) OnCacheLookup(ctx context.Context, info RunInfo, stage string, hit bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cacheLookups++
	o.lastCacheHit = hit
	o.lastCacheErr = err
}

// decodeLines parses the JSON log lines written by zerolog.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func newTestInfo() RunInfo {
	return RunInfo{RunID: "run-123", SessionID: "sess-1", Graph: "legal", Step: 2}
}

func okResult(stage string, d time.Duration) StageResult {
	start := time.Unix(0, 0)
	return StageResult{Stage: stage, Status: StatusOK, Attempts: 1, StartedAt: start, EndedAt: start.Add(d)}
}

func failedResult(stage string, d time.Duration, err error) StageResult {
	r := okResult(stage, d)
	r.Status = StatusFailed
	r.Err = err
	return r
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	info := newTestInfo()
	var o Observer = NoopObserver{}

	// These calls should simply not panic.
	o.OnRunStart(ctx, info)
	o.OnRunCompleted(ctx, info, 3)
	o.OnRunFailed(ctx, info, errors.New("boom"))
	o.OnStageStart(ctx, info, "classify")
	o.OnStageCompleted(ctx, info, okResult("classify", time.Second))
	o.OnCacheLookup(ctx, info, "classify", true, nil)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	info := newTestInfo()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("stage failed")
	co.OnRunStart(ctx, info)
	co.OnRunCompleted(ctx, info, 4)
	co.OnRunFailed(ctx, info, err)
	co.OnStageStart(ctx, info, "research")
	co.OnStageCompleted(ctx, info, failedResult("research", 2*time.Second, err))
	co.OnCacheLookup(ctx, info, "research", false, err)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.stageStarts != 1 || o.stageCompletes != 1 || o.cacheLookups != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastInfo != info {
			t.Fatalf("observer %d run info mismatch: %+v", i+1, o.lastInfo)
		}
		if o.lastErr != err || o.lastCacheErr != err {
			t.Fatalf("observer %d error mismatch", i+1)
		}
		if o.lastSteps != 4 || o.lastStage != "research" {
			t.Fatalf("observer %d steps/stage mismatch: %d %q", i+1, o.lastSteps, o.lastStage)
		}
		if o.lastResult.Stage != "research" || o.lastResult.Duration() != 2*time.Second {
			t.Fatalf("observer %d stage result mismatch: %+v", i+1, o.lastResult)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesGlobal(t *testing.T) {
	o := NewLoggingObserver(nil)
	if _, ok := o.(*LoggingObserver); !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
}

func TestLoggingObserver_OnRunStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	info := newTestInfo()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)
	o := NewLoggingObserver(&logger)

	o.OnRunStart(ctx, info)

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(recs))
	}
	rec := recs[0]
	if rec["level"] != "info" {
		t.Fatalf("expected info level, got %v", rec["level"])
	}
	if rec["message"] != "run_start" {
		t.Fatalf("expected message run_start, got %v", rec["message"])
	}
	if rec["graph"] != info.Graph || rec["run_id"] != info.RunID || rec["session_id"] != info.SessionID {
		t.Fatalf("unexpected run fields: %v", rec)
	}
}

func TestLoggingObserver_OnStageCompleted_LevelDependsOnStatus(t *testing.T) {
	ctx := context.Background()
	info := newTestInfo()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)
	o := NewLoggingObserver(&logger)

	o.OnStageCompleted(ctx, info, okResult("draft", time.Second))
	o.OnStageCompleted(ctx, info, failedResult("review", 2*time.Second, errors.New("boom")))

	recs := decodeLines(t, &buf)
	if len(recs) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(recs))
	}
	if recs[0]["level"] != "debug" {
		t.Fatalf("expected success record at debug, got %v", recs[0]["level"])
	}
	if recs[1]["level"] != "error" {
		t.Fatalf("expected failure record at error, got %v", recs[1]["level"])
	}
	if recs[0]["message"] != "stage_completed" || recs[1]["message"] != "stage_completed" {
		t.Fatalf("expected stage_completed messages, got %v and %v", recs[0]["message"], recs[1]["message"])
	}
	if _, ok := recs[0]["error"]; ok {
		t.Fatalf("success record must not carry an error field")
	}
	if recs[1]["stage"] != "review" || recs[1]["error"] != "boom" || recs[1]["status"] != "failed" {
		t.Fatalf("unexpected failure record: %v", recs[1])
	}
}

func TestLoggingObserver_CacheErrorIsWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	o := NewLoggingObserver(&logger)

	// Plain lookups are trace and filtered at debug.
	o.OnCacheLookup(context.Background(), newTestInfo(), "classify", true, nil)
	o.OnCacheLookup(context.Background(), newTestInfo(), "classify", false, errors.New("redis down"))

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(recs))
	}
	if recs[0]["level"] != "warn" || recs[0]["message"] != "cache_error" {
		t.Fatalf("unexpected record: %v", recs[0])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_RunCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	info := newTestInfo()

	// 3 started, 1 completed, 1 failed -> pending = 1
	m.OnRunStart(ctx, info)
	m.OnRunStart(ctx, info)
	m.OnRunStart(ctx, info)

	m.OnRunCompleted(ctx, info, 5)
	m.OnRunFailed(ctx, info, errors.New("fail"))

	snap := m.Snapshot()

	if snap.RunsStarted != 3 {
		t.Fatalf("RunsStarted=%d, want 3", snap.RunsStarted)
	}
	if snap.RunsCompleted != 1 {
		t.Fatalf("RunsCompleted=%d, want 1", snap.RunsCompleted)
	}
	if snap.RunsFailed != 1 {
		t.Fatalf("RunsFailed=%d, want 1", snap.RunsFailed)
	}
	if snap.PendingRuns != 1 {
		t.Fatalf("PendingRuns=%d, want 1", snap.PendingRuns)
	}
	if snap.StagesCompleted != 0 || snap.AvgStageDuration != 0 {
		t.Fatalf("expected no stage metrics, got %+v", snap)
	}
}

func TestBasicMetrics_OnStageCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	info := newTestInfo()

	m.OnStageCompleted(ctx, info, okResult("a", 1*time.Second))
	m.OnStageCompleted(ctx, info, okResult("b", 3*time.Second))
	m.OnStageCompleted(ctx, info, failedResult("c", 10*time.Second, errors.New("fail")))

	snap := m.Snapshot()

	if snap.StagesCompleted != 2 || snap.StagesFailed != 1 {
		t.Fatalf("StagesCompleted=%d StagesFailed=%d, want 2 and 1", snap.StagesCompleted, snap.StagesFailed)
	}
	wantAvg := 2 * time.Second // (1s + 3s) / 2
	if snap.AvgStageDuration != wantAvg {
		t.Fatalf("AvgStageDuration=%v, want %v", snap.AvgStageDuration, wantAvg)
	}
}

func TestBasicMetrics_CacheLookups(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	info := newTestInfo()

	m.OnCacheLookup(ctx, info, "a", true, nil)
	m.OnCacheLookup(ctx, info, "a", false, nil)
	m.OnCacheLookup(ctx, info, "a", false, nil)
	m.OnCacheLookup(ctx, info, "a", false, errors.New("down"))

	snap := m.Snapshot()
	if snap.CacheHits != 1 || snap.CacheMisses != 2 || snap.CacheErrors != 1 {
		t.Fatalf("unexpected cache counters: %+v", snap)
	}
}
