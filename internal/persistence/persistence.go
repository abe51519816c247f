// Package persistence provides api.CheckpointStore implementations backed by
// memory, SQLite, PostgreSQL, Redis and MongoDB.
//
// Every store keeps the full checkpoint history of a session. The latest
// checkpoint is the one saved last.
package persistence

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/petrijr/stageflow/pkg/api"
)

// EncodeCheckpoint serializes cp as JSON.
func EncodeCheckpoint(cp api.Checkpoint) ([]byte, error) {
	data, err := sonic.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("persistence: encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint is the inverse of EncodeCheckpoint. State values come
// back in their canonical JSON shapes.
func DecodeCheckpoint(data []byte) (api.Checkpoint, error) {
	var cp api.Checkpoint
	if len(data) == 0 {
		return cp, api.ErrCheckpointNotFound
	}
	if err := sonic.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("persistence: decode checkpoint: %w", err)
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	return cp, nil
}

// cloneCheckpoint deep-copies cp through the codec so stored checkpoints
// never alias caller memory.
func cloneCheckpoint(cp api.Checkpoint) (api.Checkpoint, error) {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return api.Checkpoint{}, err
	}
	return DecodeCheckpoint(data)
}
