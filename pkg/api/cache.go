package api

import (
	"context"
	"time"

	"github.com/petrijr/stageflow/pkg/state"
)

// Cache stores stage updates by fingerprint.
//
// Implementations must be safe for concurrent use. Get never returns an
// expired entry, and values are copied on the way in and out.
type Cache interface {
	Get(ctx context.Context, fp Fingerprint) (state.Partial, bool, error)
	Put(ctx context.Context, fp Fingerprint, value state.Partial, ttl time.Duration) error
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}
