// Package cache provides api.Cache implementations: a sharded in-memory cache
// with expiry and LRU bounds, and a Redis-backed cache shared between
// processes.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

const defaultShards = 16

// Options configures a MemoryCache.
type Options struct {
	// Shards is the number of independently locked partitions. Default 16.
	Shards int

	// MaxEntries caps the total number of entries; the least recently used
	// entry of a full shard is evicted. 0 means unlimited.
	MaxEntries int

	// DefaultTTL applies to Put calls with ttl <= 0. Zero means such entries
	// never expire.
	DefaultTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	fp        api.Fingerprint
	value     state.Partial
	createdAt time.Time
	expiresAt time.Time // zero: no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu    sync.RWMutex
	items map[api.Fingerprint]*list.Element
	lru   *list.List // front = most recently used
	max   int
}

// MemoryCache is a concurrency-safe, sharded in-memory api.Cache.
//
// Each shard is guarded by its own lock, held only for map and list work.
// Expired entries behave as misses and are evicted on lookup; Sweep removes
// the rest.
type MemoryCache struct {
	shards []*shard
	ttl    time.Duration
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ api.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache(opts Options) *MemoryCache {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	perShard := 0
	if opts.MaxEntries > 0 {
		perShard = (opts.MaxEntries + n - 1) / n
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &MemoryCache{
		shards: make([]*shard, n),
		ttl:    opts.DefaultTTL,
		now:    now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[api.Fingerprint]*list.Element),
			lru:   list.New(),
			max:   perShard,
		}
	}
	return c
}

func (c *MemoryCache) shardFor(fp api.Fingerprint) *shard {
	return c.shards[xxhash.Sum64String(string(fp))%uint64(len(c.shards))]
}

// Get returns a copy of the cached update for fp.
func (c *MemoryCache) Get(ctx context.Context, fp api.Fingerprint) (state.Partial, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s := c.shardFor(fp)
	now := c.now()

	s.mu.Lock()
	el, ok := s.items[fp]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if e.expired(now) {
		s.lru.Remove(el)
		delete(s.items, fp)
		s.mu.Unlock()
		c.evictions.Add(1)
		c.misses.Add(1)
		return nil, false, nil
	}
	s.lru.MoveToFront(el)
	value := e.value
	s.mu.Unlock()

	c.hits.Add(1)
	// Stored values are never mutated, so copying outside the lock is safe.
	out, err := value.Clone()
	if err != nil {
		return nil, false, fmt.Errorf("cache: copy entry: %w", err)
	}
	return out, true, nil
}

// Put stores a copy of value under fp. ttl <= 0 uses the default TTL.
func (c *MemoryCache) Put(ctx context.Context, fp api.Fingerprint, value state.Partial, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := value.Clone()
	if err != nil {
		return fmt.Errorf("cache: copy value: %w", err)
	}
	if cp == nil {
		cp = state.Partial{}
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	e := &entry{fp: fp, value: cp, createdAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	s := c.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[fp]; ok {
		el.Value = e
		s.lru.MoveToFront(el)
		return nil
	}
	s.items[fp] = s.lru.PushFront(e)
	for s.max > 0 && s.lru.Len() > s.max {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.items, oldest.Value.(*entry).fp)
		c.evictions.Add(1)
	}
	return nil
}

// Delete removes fp from the cache.
func (c *MemoryCache) Delete(fp api.Fingerprint) {
	s := c.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[fp]; ok {
		s.lru.Remove(el)
		delete(s.items, fp)
	}
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, el := range s.items {
			if el.Value.(*entry).expired(now) {
				s.lru.Remove(el)
				delete(s.items, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evictions.Add(int64(removed))
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *MemoryCache) StartSweeper(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					logger.Debug().Int("evicted", n).Msg("cache_sweep")
				}
			}
		}
	}()
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns the cache counters.
func (c *MemoryCache) Stats() api.CacheStats {
	return api.CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}
