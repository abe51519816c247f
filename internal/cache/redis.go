package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// RedisCache is an api.Cache shared between processes. Entries are stored as
//
//	<prefix>cache:<fingerprint> => JSON-encoded update, with EX ttl
//
// Redis handles expiry, so Get never sees a stale entry.
type RedisCache struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

var _ api.Cache = (*RedisCache)(nil)

// NewRedisCache creates a RedisCache. prefix is optional (e.g. "stageflow:").
// defaultTTL applies to Put calls with ttl <= 0; zero stores without expiry.
func NewRedisCache(client redis.UniversalClient, prefix string, defaultTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "stageflow:"
	}
	return &RedisCache{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

func (c *RedisCache) key(fp api.Fingerprint) string {
	return c.prefix + "cache:" + string(fp)
}

func (c *RedisCache) Get(ctx context.Context, fp api.Fingerprint) (state.Partial, bool, error) {
	data, err := c.client.Get(ctx, c.key(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	var value state.Partial
	if err := sonic.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("cache: decode entry: %w", err)
	}
	if value == nil {
		value = state.Partial{}
	}
	c.hits.Add(1)
	return value, true, nil
}

func (c *RedisCache) Put(ctx context.Context, fp api.Fingerprint, value state.Partial, ttl time.Duration) error {
	cp, err := value.Clone()
	if err != nil {
		return fmt.Errorf("cache: copy value: %w", err)
	}
	data, err := sonic.Marshal(cp)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, c.key(fp), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Stats returns the hit and miss counters of this client.
func (c *RedisCache) Stats() api.CacheStats {
	return api.CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
