package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stageflow/internal/parallel"
	"github.com/petrijr/stageflow/internal/persistence"
	"github.com/petrijr/stageflow/internal/runner"
	"github.com/petrijr/stageflow/internal/stream"
	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// engineImpl is an in-process engine. Each run is driven by one goroutine;
// runs share the cache and the checkpoint store.
type engineImpl struct {
	graphs      *graphRegistry
	checkpoints api.CheckpointStore
	observer    api.Observer
	runner      *runner.Runner
	parallel    *parallel.Executor
	maxSteps    int
}

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	// Checkpoints persists run progress. Nil uses an in-memory store.
	Checkpoints api.CheckpointStore

	// Cache is shared by every run. Nil disables stage caching.
	Cache api.Cache

	Observer api.Observer

	// DefaultStageTimeout applies to stages that declare no Timeout.
	DefaultStageTimeout time.Duration

	// DefaultCacheTTL applies to cached stages that declare no CacheTTL.
	DefaultCacheTTL time.Duration

	// MaxSteps bounds runs of graphs that declare no MaxSteps. Zero means
	// unlimited.
	MaxSteps int

	// GroupConcurrency caps concurrently running members of one parallel
	// group. Zero means no cap.
	GroupConcurrency int
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	store := cfg.Checkpoints
	if store == nil {
		store = persistence.NewInMemoryStore()
	}
	r := runner.New(runner.Config{
		Cache:           cfg.Cache,
		Observer:        obs,
		DefaultTimeout:  cfg.DefaultStageTimeout,
		DefaultCacheTTL: cfg.DefaultCacheTTL,
	})
	return &engineImpl{
		graphs:      newGraphRegistry(),
		checkpoints: store,
		observer:    obs,
		runner:      r,
		parallel:    parallel.New(r, cfg.GroupConcurrency),
		maxSteps:    cfg.MaxSteps,
	}
}

// NewEngine returns an Engine that checkpoints into store.
func NewEngine(store api.CheckpointStore) api.Engine {
	return NewEngineWithConfig(Config{Checkpoints: store})
}

func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemoryStore())
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewSQLiteCheckpointStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(store), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresCheckpointStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(store), nil
}

// NewRedisEngine creates an engine that keeps checkpoints in Redis under the
// "stageflow:" prefix.
func NewRedisEngine(client redis.UniversalClient) api.Engine {
	return NewEngine(persistence.NewRedisCheckpointStore(client, "stageflow:", 0))
}

func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (api.Engine, error) {
	store, err := persistence.NewMongoCheckpointStore(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return NewEngine(store), nil
}

func (e *engineImpl) RegisterGraph(def api.GraphDefinition) error {
	g, err := compile(def)
	if err != nil {
		return err
	}
	return e.graphs.Register(g)
}

func (e *engineImpl) Run(ctx context.Context, req api.RunRequest) (*api.RunResult, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, p, newSerialEmitter(req.Sink))
}

// Stream starts the run in a new goroutine. The request's Sink is not used:
// events are delivered through the returned stream.
func (e *engineImpl) Stream(ctx context.Context, req api.RunRequest) (api.EventStream, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := stream.New(cancel)
	go func() {
		defer cancel()
		res, err := e.execute(runCtx, p, s)
		s.Finish(res, err)
	}()
	return s, nil
}

func (e *engineImpl) History(ctx context.Context, sessionID string, limit int) ([]api.Checkpoint, error) {
	return e.checkpoints.ListCheckpoints(ctx, sessionID, limit)
}

// plan is where a run starts: a fresh entry, the continuation of a finished
// conversation turn, or the resumption of an interrupted run.
type plan struct {
	graph   *compiledGraph
	info    api.RunInfo
	state   state.State
	cursor  string
	audit   []api.AuditEntry
	resumed bool
}

func (e *engineImpl) prepare(ctx context.Context, req api.RunRequest) (*plan, error) {
	g, err := e.graphs.Get(req.Graph)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	p := &plan{
		graph:  g,
		info:   api.RunInfo{RunID: uuid.NewString(), SessionID: sessionID, Graph: g.name},
		cursor: g.entry,
	}

	var cp api.Checkpoint
	found := false
	if !req.Restart {
		cp, err = e.checkpoints.LoadCheckpoint(ctx, sessionID)
		switch {
		case err == nil:
			// A checkpoint of another graph does not apply to this one.
			found = cp.Graph == g.name
		case errors.Is(err, api.ErrCheckpointNotFound):
		default:
			return nil, &api.RunError{
				RunID: p.info.RunID, SessionID: sessionID, Graph: g.name,
				Kind: api.KindPersistence, Err: fmt.Errorf("load checkpoint: %w", err),
			}
		}
	}

	if !found {
		p.state, err = state.Initial(g.schema, req.Seed)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		return p, nil
	}

	restored, err := state.Restore(g.schema, cp.State)
	if err != nil {
		return nil, &api.RunError{
			RunID: p.info.RunID, SessionID: sessionID, Graph: g.name,
			Kind: api.KindPersistence, Err: fmt.Errorf("restore checkpoint: %w", err),
		}
	}

	if cp.Done() {
		// The previous turn finished: start over at the entry, carrying the
		// conversation state forward.
		p.state, err = restored.Merge(req.Seed)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		return p, nil
	}

	if !g.isCursor(cp.Next) {
		return nil, &api.DefinitionError{Graph: g.name, Stage: cp.Next, Reason: "checkpoint cursor is not part of the graph"}
	}
	p.info.RunID = cp.RunID
	p.info.Step = cp.Step
	p.state = restored
	p.cursor = cp.Next
	p.audit = cp.Audit
	p.resumed = true
	return p, nil
}

func (e *engineImpl) stepLimit(g *compiledGraph) int {
	switch {
	case g.maxSteps < 0:
		return 0
	case g.maxSteps > 0:
		return g.maxSteps
	default:
		return e.maxSteps
	}
}
