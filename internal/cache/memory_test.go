package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedCache(opts Options) (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts.Now = clock.Now
	return NewMemoryCache(opts), clock
}

func TestMemoryCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(Options{})

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "fp", state.Partial{"answer": "42", "n": 1}, time.Minute))

	got, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Partial{"answer": "42", "n": float64(1)}, got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(Options{})

	meta := map[string]any{"k": "v"}
	require.NoError(t, c.Put(ctx, "fp", state.Partial{"meta": meta}, 0))
	meta["k"] = "changed"

	got, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got["meta"].(map[string]any)["k"])

	got["meta"].(map[string]any)["k"] = "changed again"
	again, _, _ := c.Get(ctx, "fp")
	assert.Equal(t, "v", again["meta"].(map[string]any)["k"])
}

func TestMemoryCache_ExpiredEntryIsMissAndEvicted(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(Options{})

	require.NoError(t, c.Put(ctx, "fp", state.Partial{"x": "y"}, time.Second))
	clock.Advance(999 * time.Millisecond)
	_, ok, _ := c.Get(ctx, "fp")
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok, "an entry at its expiry instant is a miss")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(Options{DefaultTTL: time.Minute})

	require.NoError(t, c.Put(ctx, "fp", state.Partial{"x": "y"}, 0))
	clock.Advance(2 * time.Minute)
	_, ok, _ := c.Get(ctx, "fp")
	assert.False(t, ok)
}

func TestMemoryCache_Sweep(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedCache(Options{Shards: 4})

	for i := 0; i < 10; i++ {
		ttl := time.Second
		if i%2 == 0 {
			ttl = time.Hour
		}
		require.NoError(t, c.Put(ctx, api.Fingerprint(fmt.Sprint("fp-", i)), state.Partial{"i": i}, ttl))
	}
	clock.Advance(time.Minute)

	assert.Equal(t, 5, c.Sweep())
	assert.Equal(t, 5, c.Len())
}

func TestMemoryCache_LRUBound(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedCache(Options{Shards: 1, MaxEntries: 2})

	require.NoError(t, c.Put(ctx, "a", state.Partial{"v": "a"}, 0))
	require.NoError(t, c.Put(ctx, "b", state.Partial{"v": "b"}, 0))

	// Touch a so b becomes least recently used.
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, "c", state.Partial{"v": "c"}, 0))

	_, okA, _ := c.Get(ctx, "a")
	_, okB, _ := c.Get(ctx, "b")
	_, okC, _ := c.Get(ctx, "c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(Options{Shards: 8, MaxEntries: 64})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				fp := api.Fingerprint(fmt.Sprintf("fp-%d", i%32))
				if i%3 == 0 {
					_ = c.Put(ctx, fp, state.Partial{"w": w, "i": i}, time.Minute)
					continue
				}
				if v, ok, err := c.Get(ctx, fp); err == nil && ok {
					// Readers never observe a partially written entry.
					if _, has := v["w"]; !has {
						t.Errorf("torn entry: %v", v)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}

func TestMemoryCache_Sweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewMemoryCache(Options{})
	require.NoError(t, c.Put(ctx, "fp", state.Partial{"x": "y"}, 5*time.Millisecond))

	c.StartSweeper(ctx, 5*time.Millisecond, nopLogger())

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
