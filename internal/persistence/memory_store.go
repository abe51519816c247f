package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/stageflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe CheckpointStore backed by a map.
type InMemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string][]api.Checkpoint // oldest first
	maxHistory int
}

// Ensure InMemoryStore implements the interface.
var _ api.CheckpointStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]api.Checkpoint)}
}

// SetMaxHistory keeps at most n checkpoints per session, dropping the oldest.
// n <= 0 keeps everything.
func (s *InMemoryStore) SetMaxHistory(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxHistory = n
}

func (s *InMemoryStore) SaveCheckpoint(ctx context.Context, cp api.Checkpoint) error {
	cp, err := cloneCheckpoint(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[cp.SessionID], cp)
	if s.maxHistory > 0 && len(history) > s.maxHistory {
		history = slices.Clone(history[len(history)-s.maxHistory:])
	}
	s.sessions[cp.SessionID] = history
	return nil
}

func (s *InMemoryStore) LoadCheckpoint(ctx context.Context, sessionID string) (api.Checkpoint, error) {
	s.mu.RLock()
	history := s.sessions[sessionID]
	if len(history) == 0 {
		s.mu.RUnlock()
		return api.Checkpoint{}, api.ErrCheckpointNotFound
	}
	latest := history[len(history)-1]
	s.mu.RUnlock()

	return cloneCheckpoint(latest)
}

func (s *InMemoryStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]api.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.sessions[sessionID]
	n := len(history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]api.Checkpoint, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		cp, err := cloneCheckpoint(history[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteSession drops every checkpoint of a session.
func (s *InMemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
