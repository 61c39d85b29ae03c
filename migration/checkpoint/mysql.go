package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS migration_checkpoints (
			workflow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			step INT NOT NULL,
			total_steps INT NOT NULL,
			progress INT NOT NULL,
			priority INT NOT NULL,
			payload JSON NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_checkpoints_status_updated (status, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS migration_checkpoint_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			step INT NOT NULL,
			payload JSON NOT NULL,
			recorded_at BIGINT NOT NULL,
			INDEX idx_history_workflow_recorded (workflow_id, recorded_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS migration_checkpoint_archive (
			workflow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			payload JSON NOT NULL,
			archived_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsertCurrent: `
		INSERT INTO migration_checkpoints
			(workflow_id, status, step, total_steps, progress, priority, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			step = VALUES(step),
			total_steps = VALUES(total_steps),
			progress = VALUES(progress),
			priority = VALUES(priority),
			payload = VALUES(payload),
			updated_at = VALUES(updated_at)
	`,
}

// MySQLBackend stores checkpoints in MySQL or MariaDB.
//
// Designed for:
//   - The shared primary store when several coordinators run
//   - Workflows that must survive the loss of a host
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param=value]
//
// Never hardcode credentials; read the DSN from the environment
// (see config.Load and MIGRATE_MYSQL_DSN).
type MySQLBackend struct {
	*sqlBackend
}

// NewMySQLBackend connects to dsn, verifies the connection and creates the
// tables if needed.
func NewMySQLBackend(dsn string) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	b, err := newSQLBackend(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLBackend{sqlBackend: b}, nil
}
