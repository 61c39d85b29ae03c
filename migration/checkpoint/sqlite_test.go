package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteBackend_Memory(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer b.Close()

	if b.Name() != "sqlite" {
		t.Errorf("Name = %q, want sqlite", b.Name())
	}
	testBackendContract(t, b)
}

func TestSQLiteBackend_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer b.Close()

	if b.Path() != path {
		t.Errorf("Path = %q, want %q", b.Path(), path)
	}
	testBackendContract(t, b)
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	cp := &WorkflowCheckpoint{
		WorkflowID: "wf-durable",
		Status:     StatusInProgress,
		Step:       2,
		TotalSteps: 3,
		Progress:   67,
		Data:       map[string]interface{}{DataLastTaskOutput: "rows:120"},
		Errors: []WorkflowError{{
			Message: "connection reset", Kind: "DEPENDENCY", Attempt: 1, Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.Save(ctx, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := b.Load(ctx, "wf-durable"); err != ErrStoreClosed {
		t.Errorf("Load after Close = %v, want ErrStoreClosed", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load(ctx, "wf-durable")
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if got.Step != 2 || got.LastOutput() != "rows:120" {
		t.Errorf("reloaded = step %d output %v", got.Step, got.LastOutput())
	}
	if last := got.LastError(); last == nil || last.Kind != "DEPENDENCY" {
		t.Errorf("reloaded errors = %+v", got.Errors)
	}
}

func TestSQLiteBackend_WithManager(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	clock := newTestClock()
	m, err := NewManager(b, WithClock(clock.Now), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if _, err := m.Create(ctx, "wf-1", 2, Metadata{Priority: 8}, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.UpdateProgress(ctx, "wf-1", 1, 2, map[string]interface{}{DataLastTaskOutput: 7}); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	cp, err := m.Get(ctx, "wf-1", true)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cp.Metadata.Priority != 8 || cp.Progress != 50 {
		t.Errorf("checkpoint = priority %d progress %d", cp.Metadata.Priority, cp.Progress)
	}
	if cp.LastOutput() != float64(7) {
		t.Errorf("LastOutput = %#v, want float64(7)", cp.LastOutput())
	}

	h, err := m.History(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(h) != 2 {
		t.Errorf("History len = %d, want 2", len(h))
	}
}
