package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stageflow/pkg/api"
)

// RedisCheckpointStore is a CheckpointStore backed by Redis.
// It keeps one list per session, newest first:
//
//	<prefix>ckpt:<session_id> => LIST of JSON-encoded checkpoints
//
// When maxHistory > 0 the list is trimmed to that many entries on every save.
type RedisCheckpointStore struct {
	client     redis.UniversalClient
	prefix     string
	maxHistory int64
}

var _ api.CheckpointStore = (*RedisCheckpointStore)(nil)

// NewRedisCheckpointStore creates a RedisCheckpointStore.
// prefix is optional but recommended (e.g. "stageflow:").
func NewRedisCheckpointStore(client redis.UniversalClient, prefix string, maxHistory int) *RedisCheckpointStore {
	if prefix == "" {
		prefix = "stageflow:"
	}
	return &RedisCheckpointStore{
		client:     client,
		prefix:     prefix,
		maxHistory: int64(maxHistory),
	}
}

func (s *RedisCheckpointStore) keySession(sessionID string) string {
	return s.prefix + "ckpt:" + sessionID
}

func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, cp api.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	key := s.keySession(cp.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		if s.maxHistory > 0 {
			pipe.LTrim(ctx, key, 0, s.maxHistory-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persistence: redis save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisCheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string) (api.Checkpoint, error) {
	data, err := s.client.LIndex(ctx, s.keySession(sessionID), 0).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.Checkpoint{}, api.ErrCheckpointNotFound
		}
		return api.Checkpoint{}, fmt.Errorf("persistence: redis load checkpoint: %w", err)
	}
	return DecodeCheckpoint(data)
}

func (s *RedisCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]api.Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := s.client.LRange(ctx, s.keySession(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence: redis list checkpoints: %w", err)
	}
	out := make([]api.Checkpoint, 0, len(items))
	for _, item := range items {
		cp, err := DecodeCheckpoint([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
