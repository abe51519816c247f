package stageflow

import (
	"context"
	"database/sql"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stageflow/internal/taskqueue"
	workerpkg "github.com/petrijr/stageflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue. Checkpoints and queued run requests
// live in the same database, so a process restart loses neither.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for inspection in
	// tests. The public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stageflow.db?_journal=WAL")
//	bundle, err := stageflow.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	// register graphs on bundle.Engine
//	// enqueue runs via bundle.Worker
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	return newBundle(eng, q, cfg), nil
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL. Several processes may
// share the database; each queued run is claimed by one worker.
func NewPostgresBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewPostgresEngine(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}

	return newBundle(eng, q, cfg), nil
}

// NewMongoBundle keeps checkpoints and queued runs in the dbName database.
func NewMongoBundle(ctx context.Context, client *mongo.Client, dbName string, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewMongoEngine(ctx, client, dbName)
	if err != nil {
		return nil, err
	}

	return newBundle(eng, taskqueue.NewMongoQueue(client, dbName, ""), cfg), nil
}

func newBundle(eng Engine, q taskqueue.Queue, cfg workerpkg.Config) *WorkerBundle {
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}
}
