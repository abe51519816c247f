package stageflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	workerpkg "github.com/petrijr/stageflow/pkg/worker"
)

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a run submitted
// through the worker/queue combination survives a simulated process
// restart, assuming graphs are re-registered on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "stageflow_bundle.db")
	dsn := "file:" + dbPath + "?_journal=WAL"

	graph := New("async-answer", qaSchema()).
		Stage("respond", func(ctx context.Context, st State) (Partial, error) {
			return Partial{"answer": "re: " + st.Text("query")}, nil
		})

	// --- Phase 1: enqueue a run, no processing yet.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, graph.Register(bundle1.Engine))

	_, err = bundle1.Worker.Enqueue(ctx, RunRequest{Graph: graph.Name(), SessionID: "durable", Seed: Partial{"query": "lease"}})
	require.NoError(t, err)

	before, err := History(ctx, bundle1.Engine, "durable", 0)
	require.NoError(t, err)
	require.Empty(t, before, "nothing should run before a worker processes the queue")

	// Simulate process crash by closing the DB and discarding bundle1.
	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with new DB handle and bundle.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)

	// Graph definitions are in-memory only; register again on every start.
	require.NoError(t, graph.Register(bundle2.Engine))
	require.Equal(t, 1, bundle2.queue.Len())

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed, "expected one task to be processed")

	after, err := History(ctx, bundle2.Engine, "durable", 0)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.True(t, after[0].Done())
	require.Equal(t, "re: lease", after[0].State["answer"])
}
