package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/pkg/api"
)

func checkpoint(session string, step int, next string) api.Checkpoint {
	return api.Checkpoint{
		SessionID: session,
		RunID:     "run-" + session,
		Graph:     "legal",
		Step:      step,
		Next:      next,
		State: map[string]any{
			"query":   "what is a tort?",
			"history": []any{fmt.Sprintf("turn %d", step)},
			"done":    next == api.Terminal,
		},
		Audit: []api.AuditEntry{{
			Step:    step,
			Stage:   "classify",
			Outcome: api.StatusOK,
		}},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// testCheckpointStore runs the behaviour every CheckpointStore must share.
func testCheckpointStore(t *testing.T, store api.CheckpointStore) {
	ctx := context.Background()

	t.Run("missing session", func(t *testing.T) {
		_, err := store.LoadCheckpoint(ctx, "nobody")
		assert.ErrorIs(t, err, api.ErrCheckpointNotFound)

		list, err := store.ListCheckpoints(ctx, "nobody", 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("latest wins", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			next := "draft"
			if i == 3 {
				next = api.Terminal
			}
			require.NoError(t, store.SaveCheckpoint(ctx, checkpoint("s-latest", i, next)))
		}

		got, err := store.LoadCheckpoint(ctx, "s-latest")
		require.NoError(t, err)
		want := checkpoint("s-latest", 3, api.Terminal)
		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, want.Graph, got.Graph)
		assert.Equal(t, 3, got.Step)
		assert.True(t, got.Done())
		assert.Equal(t, want.State, got.State)
		require.Len(t, got.Audit, 1)
		assert.Equal(t, api.StatusOK, got.Audit[0].Outcome)
	})

	t.Run("history newest first", func(t *testing.T) {
		for i := 1; i <= 4; i++ {
			require.NoError(t, store.SaveCheckpoint(ctx, checkpoint("s-hist", i, "next")))
		}

		all, err := store.ListCheckpoints(ctx, "s-hist", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, cp := range all {
			assert.Equal(t, 4-i, cp.Step)
		}

		two, err := store.ListCheckpoints(ctx, "s-hist", 2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, 4, two[0].Step)
		assert.Equal(t, 3, two[1].Step)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		require.NoError(t, store.SaveCheckpoint(ctx, checkpoint("s-a", 1, "x")))
		require.NoError(t, store.SaveCheckpoint(ctx, checkpoint("s-b", 7, "y")))

		a, err := store.LoadCheckpoint(ctx, "s-a")
		require.NoError(t, err)
		assert.Equal(t, 1, a.Step)
		assert.Equal(t, "x", a.Next)

		b, err := store.LoadCheckpoint(ctx, "s-b")
		require.NoError(t, err)
		assert.Equal(t, 7, b.Step)
	})

	t.Run("created at survives", func(t *testing.T) {
		cp := checkpoint("s-time", 1, "x")
		require.NoError(t, store.SaveCheckpoint(ctx, cp))

		got, err := store.LoadCheckpoint(ctx, "s-time")
		require.NoError(t, err)
		assert.True(t, cp.CreatedAt.Equal(got.CreatedAt), "want %v, got %v", cp.CreatedAt, got.CreatedAt)
	})
}

// testMaxHistory expects store to keep the newest two checkpoints per session.
func testMaxHistory(t *testing.T, store api.CheckpointStore) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.SaveCheckpoint(ctx, checkpoint("s-trim", i, "draft")))
	}
	require.NoError(t, store.SaveCheckpoint(ctx, checkpoint("s-other", 1, "draft")))

	all, err := store.ListCheckpoints(ctx, "s-trim", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 5, all[0].Step)
	assert.Equal(t, 4, all[1].Step)

	latest, err := store.LoadCheckpoint(ctx, "s-trim")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Step)

	other, err := store.ListCheckpoints(ctx, "s-other", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
