package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/bytedance/sonic"

	"github.com/petrijr/stageflow/pkg/state"
)

// StageFunc is the unit of work behind a stage. It receives the current
// merged state and returns a partial update.
//
// Stage functions must be safe to call concurrently and should honor ctx:
// the engine cancels it when the stage times out or the run is cancelled.
// Generated tokens can be reported with EmitProgress.
type StageFunc func(ctx context.Context, st state.State) (state.Partial, error)

// Fingerprint is an opaque cache key derived from a stage's inputs.
type Fingerprint string

// NewFingerprint hashes parts into a Fingerprint. Parts are JSON-encoded with
// sorted map keys, so equal inputs always produce equal fingerprints.
func NewFingerprint(parts ...any) Fingerprint {
	data, err := sonic.ConfigStd.Marshal(parts)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", parts))
	}
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// CacheKeyFunc derives a fingerprint from state. Returning false skips the
// cache for this invocation.
//
// The fingerprint must cover everything that affects the stage's output
// (input text, jurisdiction, document type, ...).
type CacheKeyFunc func(st state.State) (Fingerprint, bool)

// CacheKeyFromKeys returns a CacheKeyFunc fingerprinting the given state keys.
func CacheKeyFromKeys(keys ...string) CacheKeyFunc {
	return func(st state.State) (Fingerprint, bool) {
		parts := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			v, _ := st.Get(k)
			parts = append(parts, k, v)
		}
		return NewFingerprint(parts...), true
	}
}

// RetryPolicy controls how a failed or timed out stage is retried.
//
// MaxRetries counts retries after the first attempt:
//
//	MaxRetries = 0 => a single attempt
//	MaxRetries = 2 => initial attempt + up to 2 retries
//
// The delay before retry n (0-based) is InitialBackoff * BackoffMultiplier^n,
// capped by MaxBackoff when it is > 0.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Delay returns the sleep before retry n (0-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(n))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// StageDescriptor describes a named stage.
type StageDescriptor struct {
	Name string
	Fn   StageFunc

	// Timeout bounds each attempt. Zero uses the engine default.
	Timeout time.Duration

	// Retry is nil for a single attempt.
	Retry *RetryPolicy

	// CacheKey enables response caching; nil never caches.
	CacheKey CacheKeyFunc

	// CacheTTL overrides the engine's default TTL for this stage.
	CacheTTL time.Duration

	// Recoverable stages that fail are treated as if they returned an empty
	// update; the run continues along the stage's normal edge.
	Recoverable bool

	// Writes optionally lists the state keys this stage writes. Each must be
	// declared in the graph schema.
	Writes []string
}

type progressKey struct{}

type runInfoKey struct{}

// ProgressFunc receives tokens reported by a stage.
type ProgressFunc func(token string)

// WithProgress attaches a token receiver to ctx. The task runner does this
// for every stage attempt.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// EmitProgress reports a generated token from inside a stage function.
// It returns false when ctx carries no receiver.
func EmitProgress(ctx context.Context, token string) bool {
	fn, ok := ctx.Value(progressKey{}).(ProgressFunc)
	if !ok || fn == nil {
		return false
	}
	fn(token)
	return true
}

// WithRunInfo attaches run metadata to ctx.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext returns the run metadata of the stage being executed.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}
