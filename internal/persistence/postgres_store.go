package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrijr/stageflow/pkg/api"
)

// PostgresCheckpointStore is a CheckpointStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresCheckpointStore struct {
	db         *sql.DB
	maxHistory int
}

// Ensure PostgresCheckpointStore implements CheckpointStore.
var _ api.CheckpointStore = (*PostgresCheckpointStore)(nil)

// NewPostgresCheckpointStore initializes the required schema in the given
// database and returns a new PostgresCheckpointStore.
func NewPostgresCheckpointStore(db *sql.DB) (*PostgresCheckpointStore, error) {
	s := &PostgresCheckpointStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresCheckpointStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			graph TEXT NOT NULL,
			step INTEGER NOT NULL,
			next TEXT NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("persistence: create checkpoints table: %w", err)
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS checkpoints_session_idx ON checkpoints (session_id, id DESC);`)
	return err
}

// SetMaxHistory keeps at most n checkpoints per session. n <= 0 keeps
// everything. Not safe to call concurrently with SaveCheckpoint.
func (s *PostgresCheckpointStore) SetMaxHistory(n int) { s.maxHistory = n }

func (s *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, cp api.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, run_id, graph, step, next, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		cp.SessionID,
		cp.RunID,
		cp.Graph,
		cp.Step,
		cp.Next,
		payload,
		cp.CreatedAt,
	)
	if err != nil || s.maxHistory <= 0 {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE session_id = $1 AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		)
	`, cp.SessionID, s.maxHistory)
	if err != nil {
		return fmt.Errorf("persistence: trim checkpoints: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string) (api.Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, sessionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Checkpoint{}, api.ErrCheckpointNotFound
		}
		return api.Checkpoint{}, err
	}
	return DecodeCheckpoint(payload)
}

func (s *PostgresCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]api.Checkpoint, error) {
	query := `
		SELECT payload FROM checkpoints
		WHERE session_id = $1
		ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}
