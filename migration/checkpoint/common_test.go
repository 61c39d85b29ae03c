package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/migrate-go/migration/retry"
)

// testClock is a goroutine-safe manual clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyBackend wraps a Backend and fails operations on demand.
type flakyBackend struct {
	Backend
	failLoad atomic.Bool
	failSave atomic.Bool
	loads    atomic.Int64
	saves    atomic.Int64
}

var errBackendDown = errors.New("backend connection refused")

func (f *flakyBackend) Load(ctx context.Context, id string) (*WorkflowCheckpoint, error) {
	f.loads.Add(1)
	if f.failLoad.Load() {
		return nil, errBackendDown
	}
	return f.Backend.Load(ctx, id)
}

func (f *flakyBackend) Save(ctx context.Context, cp *WorkflowCheckpoint) error {
	f.saves.Add(1)
	if f.failSave.Load() {
		return errBackendDown
	}
	return f.Backend.Save(ctx, cp)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.JitterMax = 0
	p.ConcurrencyJitter = 0
	return p
}

// newTestManager returns a manager over a memory primary with a test clock.
func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *MemBackend, *testClock) {
	t.Helper()
	clock := newTestClock()
	primary := NewMemBackend()
	strategy, err := retry.NewStrategy(testPolicy(), retry.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}

	all := append([]ManagerOption{
		WithClock(clock.Now),
		WithLogger(discardLogger()),
		WithStrategy(strategy),
	}, opts...)

	m, err := NewManager(primary, all...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, primary, clock
}

// testBackendContract exercises the Backend contract against b.
func testBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cp := &WorkflowCheckpoint{
		WorkflowID: "wf-contract",
		Status:     StatusPending,
		TotalSteps: 4,
		Data:       map[string]interface{}{"source": "legacy"},
		Errors:     []WorkflowError{},
		Metadata:   Metadata{Priority: 7, WorkflowName: "pages"},
		CreatedAt:  base,
		UpdatedAt:  base,
	}

	t.Run("load missing", func(t *testing.T) {
		if _, err := b.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := b.Save(ctx, cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := b.Load(ctx, cp.WorkflowID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Status != StatusPending || got.TotalSteps != 4 || got.Metadata.Priority != 7 {
			t.Errorf("loaded = %+v", got)
		}
		if got.Data["source"] != "legacy" {
			t.Errorf("Data[source] = %v", got.Data["source"])
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
	})

	t.Run("history newest first", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			next := cp.Clone()
			next.Status = StatusInProgress
			next.Step = i
			next.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := b.Save(ctx, next); err != nil {
				t.Fatalf("Save step %d failed: %v", i, err)
			}
		}

		all, err := b.History(ctx, cp.WorkflowID, 0)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("History len = %d, want 4", len(all))
		}
		if all[0].Checkpoint.Step != 3 || all[3].Checkpoint.Step != 0 {
			t.Errorf("history order = %d..%d, want 3..0", all[0].Checkpoint.Step, all[3].Checkpoint.Step)
		}

		limited, err := b.History(ctx, cp.WorkflowID, 2)
		if err != nil {
			t.Fatalf("History(limit) failed: %v", err)
		}
		if len(limited) != 2 || limited[0].Checkpoint.Step != 3 {
			t.Errorf("limited history = %d entries", len(limited))
		}

		current, err := b.Load(ctx, cp.WorkflowID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if current.Step != 3 {
			t.Errorf("current step = %d, want 3", current.Step)
		}
	})

	t.Run("list by status and age", func(t *testing.T) {
		old := &WorkflowCheckpoint{
			WorkflowID: "wf-old", Status: StatusResuming, TotalSteps: 1,
			CreatedAt: base.Add(-2 * time.Hour), UpdatedAt: base.Add(-2 * time.Hour),
		}
		done := &WorkflowCheckpoint{
			WorkflowID: "wf-done", Status: StatusCompleted, TotalSteps: 1, Step: 1, Progress: 100,
			CreatedAt: base.Add(-3 * time.Hour), UpdatedAt: base.Add(-3 * time.Hour),
		}
		for _, c := range []*WorkflowCheckpoint{old, done} {
			if err := b.Save(ctx, c); err != nil {
				t.Fatalf("Save %s failed: %v", c.WorkflowID, err)
			}
		}

		got, err := b.List(ctx, ActiveStatuses, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 2 || got[0].WorkflowID != "wf-old" || got[1].WorkflowID != "wf-contract" {
			ids := make([]string, len(got))
			for i, c := range got {
				ids[i] = c.WorkflowID
			}
			t.Errorf("List = %v, want [wf-old wf-contract]", ids)
		}

		got, err = b.List(ctx, ActiveStatuses, base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 1 || got[0].WorkflowID != "wf-old" {
			t.Errorf("List(before -1h) = %d entries, want wf-old only", len(got))
		}
	})

	t.Run("archive completed", func(t *testing.T) {
		ids, err := b.Archive(ctx, base)
		if err != nil {
			t.Fatalf("Archive failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "wf-done" {
			t.Fatalf("Archive ids = %v, want [wf-done]", ids)
		}
		if _, err := b.Load(ctx, "wf-done"); !errors.Is(err, ErrNotFound) {
			t.Errorf("archived checkpoint still loadable: %v", err)
		}
		hist, err := b.History(ctx, "wf-done", 0)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(hist) != 0 {
			t.Errorf("history of archived checkpoint = %d entries, want 0", len(hist))
		}
		if _, err := b.Load(ctx, "wf-contract"); err != nil {
			t.Errorf("active checkpoint removed by archive: %v", err)
		}
	})
}
