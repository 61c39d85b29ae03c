package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// dialect holds the SQL that differs between engines.
type dialect struct {
	name   string
	schema []string

	// upsertCurrent inserts or replaces one migration_checkpoints row.
	// Arguments: workflow_id, status, step, total_steps, progress, priority,
	// payload, created_at, updated_at.
	upsertCurrent string
}

// sqlBackend implements Backend over database/sql.
//
// Tables:
//   - migration_checkpoints: one row per workflow (current state)
//   - migration_checkpoint_history: append-only snapshots keyed by
//     (workflow_id, recorded_at)
//   - migration_checkpoint_archive: COMPLETED checkpoints removed by cleanup
//
// The full checkpoint is stored as JSON in payload; status, step and
// timestamps are duplicated into columns for querying. Timestamps are unix
// nanoseconds.
type sqlBackend struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func newSQLBackend(ctx context.Context, db *sql.DB, d dialect) (*sqlBackend, error) {
	b := &sqlBackend{db: db, dialect: d}
	if err := b.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

// createTables runs the dialect's schema statements in order.
func (b *sqlBackend) createTables(ctx context.Context) error {
	for _, stmt := range b.dialect.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (b *sqlBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// Name returns the dialect name.
func (b *sqlBackend) Name() string { return b.dialect.name }

// Load reads the current row for workflowID.
func (b *sqlBackend) Load(ctx context.Context, workflowID string) (*WorkflowCheckpoint, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var payload string
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM migration_checkpoints WHERE workflow_id = ?`,
		workflowID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decodeCheckpoint([]byte(payload))
}

// Save upserts the current row and appends a history row in one transaction.
func (b *sqlBackend) Save(ctx context.Context, cp *WorkflowCheckpoint) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, b.dialect.upsertCurrent,
			cp.WorkflowID,
			string(cp.Status),
			cp.Step,
			cp.TotalSteps,
			cp.Progress,
			cp.Metadata.Priority,
			string(payload),
			cp.CreatedAt.UnixNano(),
			cp.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to upsert checkpoint: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migration_checkpoint_history (workflow_id, status, step, payload, recorded_at)
			 VALUES (?, ?, ?, ?, ?)`,
			cp.WorkflowID, string(cp.Status), cp.Step, string(payload), cp.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
		return nil
	})
}

// History returns snapshots newest first.
func (b *sqlBackend) History(ctx context.Context, workflowID string, limit int) ([]HistoryEntry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT payload, recorded_at FROM migration_checkpoint_history
		WHERE workflow_id = ? ORDER BY recorded_at DESC, id DESC`
	args := []interface{}{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var payload string
		var recordedAt int64
		if err := rows.Scan(&payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		cp, err := decodeCheckpoint([]byte(payload))
		if err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{
			WorkflowID: workflowID,
			Checkpoint: cp,
			RecordedAt: time.Unix(0, recordedAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return entries, nil
}

// List returns matching checkpoints oldest first.
func (b *sqlBackend) List(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]*WorkflowCheckpoint, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, updatedBefore.UnixNano())

	rows, err := b.db.QueryContext(ctx,
		`SELECT payload FROM migration_checkpoints
		 WHERE status IN (`+placeholders+`) AND updated_at < ?
		 ORDER BY updated_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowCheckpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp, err := decodeCheckpoint([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// Archive moves old COMPLETED rows to the archive table in one transaction.
func (b *sqlBackend) Archive(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var ids []string
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT workflow_id, payload FROM migration_checkpoints
			 WHERE status = ? AND updated_at < ? ORDER BY workflow_id`,
			string(StatusCompleted), cutoff.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to select completed checkpoints: %w", err)
		}

		type row struct{ id, payload string }
		var victims []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.payload); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan completed checkpoint: %w", err)
			}
			victims = append(victims, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate completed checkpoints: %w", err)
		}

		now := time.Now().UnixNano()
		for _, v := range victims {
			if _, err := tx.ExecContext(ctx,
				`REPLACE INTO migration_checkpoint_archive (workflow_id, payload, archived_at) VALUES (?, ?, ?)`,
				v.id, v.payload, now,
			); err != nil {
				return fmt.Errorf("failed to archive %s: %w", v.id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM migration_checkpoint_history WHERE workflow_id = ?`, v.id); err != nil {
				return fmt.Errorf("failed to delete history for %s: %w", v.id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM migration_checkpoints WHERE workflow_id = ?`, v.id); err != nil {
				return fmt.Errorf("failed to delete checkpoint %s: %w", v.id, err)
			}
			ids = append(ids, v.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Archived returns an archived checkpoint.
func (b *sqlBackend) Archived(ctx context.Context, workflowID string) (*WorkflowCheckpoint, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var payload string
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM migration_checkpoint_archive WHERE workflow_id = ?`,
		workflowID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archived checkpoint: %w", err)
	}
	return decodeCheckpoint([]byte(payload))
}

// Ping verifies the database connection.
func (b *sqlBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (b *sqlBackend) Stats() sql.DBStats {
	return b.db.Stats()
}

// Close closes the database. Safe to call more than once.
func (b *sqlBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// withTx runs fn in a read-committed transaction, rolling back on error.
func (b *sqlBackend) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: b.isolation()})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isolation returns the level to request. SQLite only supports the default
// (serializable) level through database/sql.
func (b *sqlBackend) isolation() sql.IsolationLevel {
	if b.dialect.name == "mysql" {
		return sql.LevelReadCommitted
	}
	return sql.LevelDefault
}
