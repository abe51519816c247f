package taskqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Tasks live in one sorted set, key <prefix>tasks, scored by NotBefore in
// microseconds. Consumers claim a task by removing it; only the consumer
// whose ZREM succeeds gets it.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "stageflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stageflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixMicro()),
		Member: data,
	}).Err()
}

// Dequeue polls for the earliest eligible task until one is claimed or ctx
// is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMicro(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}

		if len(members) == 1 {
			removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
			if err != nil {
				return nil, err
			}
			if removed == 1 {
				task, err := DecodeTask([]byte(members[0]))
				if err != nil {
					return nil, fmt.Errorf("decode task: %w", err)
				}
				return task, nil
			}
			// Another consumer claimed it first.
			continue
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
