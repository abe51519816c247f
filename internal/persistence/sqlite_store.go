package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrijr/stageflow/pkg/api"
)

// SQLiteCheckpointStore is a CheckpointStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteCheckpointStore struct {
	db         *sql.DB
	maxHistory int
}

// Ensure SQLiteCheckpointStore implements CheckpointStore.
var _ api.CheckpointStore = (*SQLiteCheckpointStore)(nil)

// NewSQLiteCheckpointStore initializes the required schema in the given
// database and returns a new SQLiteCheckpointStore.
func NewSQLiteCheckpointStore(db *sql.DB) (*SQLiteCheckpointStore, error) {
	s := &SQLiteCheckpointStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCheckpointStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			graph TEXT NOT NULL,
			step INTEGER NOT NULL,
			next TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	); err != nil {
		return fmt.Errorf("persistence: create checkpoints table: %w", err)
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS checkpoints_session_idx ON checkpoints (session_id, id);`)
	return err
}

// SetMaxHistory keeps at most n checkpoints per session. n <= 0 keeps
// everything. Not safe to call concurrently with SaveCheckpoint.
func (s *SQLiteCheckpointStore) SetMaxHistory(n int) { s.maxHistory = n }

func (s *SQLiteCheckpointStore) SaveCheckpoint(ctx context.Context, cp api.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, run_id, graph, step, next, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID,
		cp.RunID,
		cp.Graph,
		cp.Step,
		cp.Next,
		payload,
		cp.CreatedAt.UnixNano(),
	)
	if err != nil || s.maxHistory <= 0 {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`,
		cp.SessionID, cp.SessionID, s.maxHistory,
	)
	if err != nil {
		return fmt.Errorf("persistence: trim checkpoints: %w", err)
	}
	return nil
}

func (s *SQLiteCheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string) (api.Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT 1`,
		sessionID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Checkpoint{}, api.ErrCheckpointNotFound
		}
		return api.Checkpoint{}, err
	}
	return DecodeCheckpoint(payload)
}

func (s *SQLiteCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]api.Checkpoint, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func scanCheckpoints(rows *sql.Rows) ([]api.Checkpoint, error) {
	var out []api.Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		cp, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
