package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS migration_checkpoints (
			workflow_id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			step INTEGER NOT NULL,
			total_steps INTEGER NOT NULL,
			progress INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status_updated ON migration_checkpoints(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS migration_checkpoint_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_workflow_recorded ON migration_checkpoint_history(workflow_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS migration_checkpoint_archive (
			workflow_id TEXT NOT NULL PRIMARY KEY,
			payload TEXT NOT NULL,
			archived_at INTEGER NOT NULL
		)`,
	},
	upsertCurrent: `
		INSERT INTO migration_checkpoints
			(workflow_id, status, step, total_steps, progress, priority, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			status = excluded.status,
			step = excluded.step,
			total_steps = excluded.total_steps,
			progress = excluded.progress,
			priority = excluded.priority,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`,
}

// SQLiteBackend stores checkpoints in a single-file SQLite database.
//
// Designed for:
//   - Local durable storage on the host running the coordinator
//   - The fallback store behind a shared MySQL primary
//   - Tests (":memory:")
//
// WAL mode is enabled so readers do not block the writer.
type SQLiteBackend struct {
	*sqlBackend
	path string
}

// NewSQLiteBackend opens (creating if needed) the database at path.
//
// The path may be a file ("./checkpoints.db") or ":memory:". The backend
// creates its tables, enables WAL and foreign keys, and waits up to five
// seconds on a locked database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // keep ":memory:" databases alive
	db.SetConnMaxLifetime(0) // no max lifetime for SQLite

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	b, err := newSQLBackend(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{sqlBackend: b, path: path}, nil
}

// Path returns the database path.
func (s *SQLiteBackend) Path() string { return s.path }
