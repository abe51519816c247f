package stageflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stageflow/internal/cache"
	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine          = api.Engine
	EngineConfig    = engine.Config
	GraphDefinition = api.GraphDefinition
	StageDescriptor = api.StageDescriptor
	StageFunc       = api.StageFunc
	RouteFunc       = api.RouteFunc
	Edge            = api.Edge
	ParallelGroup   = api.ParallelGroup
	RetryPolicy     = api.RetryPolicy
	CacheKeyFunc    = api.CacheKeyFunc
	Fingerprint     = api.Fingerprint

	RunRequest  = api.RunRequest
	RunResult   = api.RunResult
	RunStatus   = api.RunStatus
	RunError    = api.RunError
	ErrorKind   = api.ErrorKind
	Event       = api.Event
	EventType   = api.EventType
	EventStream = api.EventStream
	Sink        = api.Sink
	SinkFunc    = api.SinkFunc
	Checkpoint  = api.Checkpoint
	AuditEntry  = api.AuditEntry
	StageResult = api.StageResult

	Cache           = api.Cache
	CheckpointStore = api.CheckpointStore

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	State   = state.State
	Partial = state.Partial
	Schema  = state.Schema
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewFingerprint       = api.NewFingerprint
	CacheKeyFromKeys     = api.CacheKeyFromKeys
	EmitProgress         = api.EmitProgress
	Permanent            = api.Permanent
	KindOf               = api.KindOf
)

const (
	Entry    = api.Entry
	Terminal = api.Terminal

	EventStageStarted   = api.EventStageStarted
	EventStageProgress  = api.EventStageProgress
	EventStageCompleted = api.EventStageCompleted
	EventStageFailed    = api.EventStageFailed
	EventRunCompleted   = api.EventRunCompleted
	EventRunFailed      = api.EventRunFailed

	RunStatusCompleted = api.RunStatusCompleted
	RunStatusFailed    = api.RunStatusFailed
	RunStatusCancelled = api.RunStatusCancelled
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an Engine configured by cfg. Nil checkpoint store and
// observer default to in-memory and no-op implementations.
func NewEngine(cfg EngineConfig) Engine {
	return engine.NewEngineWithConfig(cfg)
}

// NewInMemoryEngine returns an Engine whose checkpoints live in memory.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewSQLiteEngine returns an Engine that checkpoints sessions in a SQLite
// database. Graph definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that checkpoints sessions in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that checkpoints sessions in Redis.
func NewRedisEngine(client redis.UniversalClient) Engine {
	return engine.NewRedisEngine(client)
}

// NewMongoEngine returns an Engine that checkpoints sessions in MongoDB.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName)
}

// NewMemoryCache returns a process-local response cache with the given
// capacity and default TTL. maxEntries <= 0 means unbounded.
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) Cache {
	return cache.NewMemoryCache(cache.Options{MaxEntries: maxEntries, DefaultTTL: defaultTTL})
}

// NewRedisCache returns a response cache shared through Redis.
func NewRedisCache(client redis.UniversalClient, prefix string, defaultTTL time.Duration) Cache {
	return cache.NewRedisCache(client, prefix, defaultTTL)
}

// Convenience helpers that just forward to the underlying Engine.

// Run executes graph for session synchronously. seed is merged into the
// initial state of a new run.
func Run(ctx context.Context, eng Engine, graph, sessionID string, seed Partial) (*RunResult, error) {
	return eng.Run(ctx, RunRequest{Graph: graph, SessionID: sessionID, Seed: seed})
}

// Stream starts graph for session and returns its event stream.
func Stream(ctx context.Context, eng Engine, graph, sessionID string, seed Partial) (EventStream, error) {
	return eng.Stream(ctx, RunRequest{Graph: graph, SessionID: sessionID, Seed: seed})
}

// History lists the checkpoints of a session, newest first.
func History(ctx context.Context, eng Engine, sessionID string, limit int) ([]Checkpoint, error) {
	return eng.History(ctx, sessionID, limit)
}
