package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/nativesync/internal/infrastructure/database"
)

// stateVersion is the sync_state blob schema version. Bump when the blob
// layout changes incompatibly; Load rejects newer versions.
const stateVersion = 1

// StateStore persists the orchestrator's state blob.
type StateStore interface {
	// Load returns the stored blob, or (nil, nil) when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)

	// Save replaces the stored blob wholesale.
	Save(ctx context.Context, data []byte) error
}

// SQLiteStore is the StateStore backed by the sync_state table: a single
// versioned row replaced on every save.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore wraps an open database. The sync_state table must exist
// (created by migrations).
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load reads the state blob.
func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var version int
	var data []byte

	err := s.db.QueryRowContext(ctx,
		"SELECT version, data FROM sync_state WHERE id = 1",
	).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	if version > stateVersion {
		return nil, fmt.Errorf("sync state version %d is newer than supported %d", version, stateVersion)
	}

	return data, nil
}

// Save upserts the single state row.
func (s *SQLiteStore) Save(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, version, data, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, stateVersion, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}
