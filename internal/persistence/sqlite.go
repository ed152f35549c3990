package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a store at the given path, creating
// parent directories as needed. WAL mode and a busy timeout let checkpoint
// writes proceed while a reader lists history.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for tests and ephemeral runs.
// Each store gets its own named database; the shared cache lets both pooled
// connections see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		snapshot BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_project_created
		ON checkpoints(project_id, created_at DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save upserts a record. The single-statement upsert keeps the write
// atomic: a concurrent reader sees the old record or the new one, never a
// half-written checkpoint.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, project_id, trigger_type, created_at, snapshot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			trigger_type = excluded.trigger_type,
			created_at = excluded.created_at,
			snapshot = excluded.snapshot
	`, rec.ID, rec.ProjectID, rec.Trigger, rec.CreatedAt.UTC(), rec.Blob)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, trigger_type, created_at, snapshot
		FROM checkpoints
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ProjectID, &rec.Trigger, &rec.CreatedAt, &rec.Blob)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("checkpoint %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint %q: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, projectID string, limit int) ([]Record, error) {
	query := `
		SELECT id, project_id, trigger_type, created_at, snapshot
		FROM checkpoints
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Trigger, &rec.CreatedAt, &rec.Blob); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return records, nil
}

// Delete removes a record. Deleting a missing id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
