package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mizan-engine/internal/models"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	turn_id         TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	state           BLOB NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation ON checkpoints(conversation_id);
`

// fixed width so updated_at compares lexically
const checkpointTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteCheckpointStore keeps checkpoints in a local database so turns survive a
// restart without Redis.
type SQLiteCheckpointStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewSQLiteCheckpointStore(path string, ttl time.Duration) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteCheckpointStore{db: db, ttl: ttl}, nil
}

func (s *SQLiteCheckpointStore) Save(ctx context.Context, state *models.ConversationTurnState) error {
	raw, err := state.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (turn_id, conversation_id, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		state.TurnID, state.ConversationID, string(state.Status), raw, time.Now().UTC().Format(checkpointTimeFormat))
	if err != nil {
		return models.NewExternalError("SQLITE_STORE_FAILED", "Failed to store checkpoint").WithCause(err)
	}
	return nil
}

func (s *SQLiteCheckpointStore) Load(ctx context.Context, conversationID, turnID string) (*models.ConversationTurnState, error) {
	return s.load(ctx, `SELECT state, updated_at FROM checkpoints WHERE turn_id = ? AND conversation_id = ?`, turnID, conversationID)
}

func (s *SQLiteCheckpointStore) LoadByTurnID(ctx context.Context, turnID string) (*models.ConversationTurnState, error) {
	return s.load(ctx, `SELECT state, updated_at FROM checkpoints WHERE turn_id = ?`, turnID)
}

func (s *SQLiteCheckpointStore) load(ctx context.Context, query string, args ...any) (*models.ConversationTurnState, error) {
	var (
		raw       []byte
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCheckpointMissing.WithMetadata("turn_id", args[0])
	}
	if err != nil {
		return nil, models.NewExternalError("SQLITE_GET_FAILED", "Failed to load checkpoint").WithCause(err)
	}

	if s.ttl > 0 {
		if updated, err := time.Parse(checkpointTimeFormat, updatedAt); err == nil && time.Since(updated) > s.ttl {
			return nil, models.ErrCheckpointMissing.WithMetadata("turn_id", args[0])
		}
	}
	return models.UnmarshalTurnState(raw)
}

// Prune removes checkpoints older than the TTL and returns how many went.
func (s *SQLiteCheckpointStore) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.ttl).Format(checkpointTimeFormat)
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}
