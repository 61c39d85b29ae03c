package checkpoint

import (
	"context"
	"os"
	"testing"
)

// MySQL tests need a reachable server:
//
//	export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/migrate_test?parseTime=true"
func newTestMySQLBackend(t *testing.T) *MySQLBackend {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	b, err := NewMySQLBackend(dsn)
	if err != nil {
		t.Fatalf("NewMySQLBackend failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	for _, table := range []string{
		"migration_checkpoint_history",
		"migration_checkpoint_archive",
		"migration_checkpoints",
	} {
		if _, err := b.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clear %s: %v", table, err)
		}
	}
	return b
}

func TestMySQLBackend_Contract(t *testing.T) {
	b := newTestMySQLBackend(t)
	if b.Name() != "mysql" {
		t.Errorf("Name = %q, want mysql", b.Name())
	}
	testBackendContract(t, b)
}

func TestMySQLBackend_Ping(t *testing.T) {
	b := newTestMySQLBackend(t)
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if stats := b.Stats(); stats.MaxOpenConnections != 25 {
		t.Errorf("MaxOpenConnections = %d, want 25", stats.MaxOpenConnections)
	}
}
