package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/migrate-go/migration/retry"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		step, total, want int
	}{
		{0, 5, 0},
		{1, 3, 33},
		{2, 3, 67},
		{5, 5, 100},
		{7, 5, 100},
		{1, 0, 0},
	}
	for _, tt := range tests {
		if got := ComputeProgress(tt.step, tt.total); got != tt.want {
			t.Errorf("ComputeProgress(%d, %d) = %d, want %d", tt.step, tt.total, got, tt.want)
		}
	}
}

func TestManager_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	cp, err := m.Create(ctx, "wf-1", 5, Metadata{WorkflowName: "pages"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if cp.Status != StatusPending || cp.Step != 0 || cp.Progress != 0 {
		t.Errorf("created = %+v", cp)
	}
	if cp.Metadata.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", cp.Metadata.Priority, DefaultPriority)
	}
	rs := cp.Metadata.RetryState
	if rs.CircuitState != retry.CircuitClosed || rs.MaxAttempts != 5 || rs.CurrentAttempt != 0 {
		t.Errorf("RetryState = %+v", rs)
	}
	if !cp.CreatedAt.Equal(clock.Now()) || !cp.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("timestamps = %v / %v", cp.CreatedAt, cp.UpdatedAt)
	}

	got, err := m.Get(ctx, "wf-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.Metadata.WorkflowName != "pages" {
		t.Errorf("Get = %+v", got)
	}

	if _, err := m.Create(ctx, "wf-1", 5, Metadata{}, nil); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create error = %v, want ErrAlreadyExists", err)
	}
	if _, err := m.Get(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_CreateClampsPriority(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	hi, _ := m.Create(ctx, "hi", 1, Metadata{Priority: 42}, nil)
	lo, _ := m.Create(ctx, "lo", 1, Metadata{Priority: -3}, nil)
	if hi.Metadata.Priority != 10 || lo.Metadata.Priority != 1 {
		t.Errorf("priorities = %d, %d; want 10, 1", hi.Metadata.Priority, lo.Metadata.Priority)
	}
}

func TestManager_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 2, Metadata{}, nil)

	a, _ := m.Get(ctx, "wf-1", false)
	a.Data["mutated"] = true
	a.Step = 99

	b, _ := m.Get(ctx, "wf-1", false)
	if _, ok := b.Data["mutated"]; ok || b.Step != 0 {
		t.Error("mutating a returned checkpoint leaked into the cache")
	}
}

func TestManager_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 3, Metadata{}, nil)

	cp, err := m.UpdateProgress(ctx, "wf-1", 1, 3, map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if cp.Status != StatusInProgress || cp.Step != 1 || cp.Progress != 33 {
		t.Errorf("after step 1: status=%s step=%d progress=%d", cp.Status, cp.Step, cp.Progress)
	}

	cp, err = m.UpdateProgress(ctx, "wf-1", 2, 0, map[string]interface{}{"b": 2})
	if err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if cp.Progress != 67 || cp.TotalSteps != 3 {
		t.Errorf("after step 2: progress=%d total=%d", cp.Progress, cp.TotalSteps)
	}
	if cp.Data["a"] != 1 || cp.Data["b"] != 2 {
		t.Errorf("data not merged: %v", cp.Data)
	}

	if _, err := m.UpdateProgress(ctx, "wf-1", 1, 3, nil); !errors.Is(err, ErrStepRegression) {
		t.Errorf("regressing UpdateProgress error = %v, want ErrStepRegression", err)
	}
}

func TestManager_SaveStepMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	cp, _ := m.Create(ctx, "wf-1", 5, Metadata{}, nil)

	cp.Step = 3
	cp.Status = StatusInProgress
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, _ := m.Get(ctx, "wf-1", false)
	if got.Progress != 60 {
		t.Errorf("Save should derive progress: got %d, want 60", got.Progress)
	}

	cp.Step = 2
	if err := m.Save(ctx, cp); !errors.Is(err, ErrStepRegression) {
		t.Fatalf("Save with lower step error = %v, want ErrStepRegression", err)
	}

	// Same step is allowed.
	cp.Step = 3
	if err := m.Save(ctx, cp); err != nil {
		t.Errorf("Save at same step failed: %v", err)
	}
}

func TestManager_MarkCompletedIsFinal(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 4, Metadata{}, nil)
	_, _ = m.UpdateProgress(ctx, "wf-1", 2, 4, nil)

	cp, err := m.MarkCompleted(ctx, "wf-1", map[string]interface{}{DataFinalOutput: "ok"})
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if cp.Status != StatusCompleted || cp.Progress != 100 || cp.Step != 4 {
		t.Errorf("completed = status %s progress %d step %d", cp.Status, cp.Progress, cp.Step)
	}
	if cp.Data[DataFinalOutput] != "ok" || cp.Data[DataCompletedAt] == nil {
		t.Errorf("completion data = %v", cp.Data)
	}

	if _, err := m.UpdateProgress(ctx, "wf-1", 4, 4, nil); !errors.Is(err, ErrCompletedImmutable) {
		t.Errorf("UpdateProgress after completion error = %v", err)
	}
	if _, err := m.MarkAsError(ctx, "wf-1", errors.New("late"), nil); !errors.Is(err, ErrCompletedImmutable) {
		t.Errorf("MarkAsError after completion error = %v", err)
	}
	if err := m.Save(ctx, cp); !errors.Is(err, ErrCompletedImmutable) {
		t.Errorf("Save after completion error = %v", err)
	}
	if r, err := m.ResumeWorkflow(ctx, "wf-1", nil); r != nil || err != nil {
		t.Errorf("ResumeWorkflow(completed) = %v, %v; want nil, nil", r, err)
	}
}

type taskErr struct{ id string }

func (e taskErr) Error() string        { return "connection reset while copying" }
func (e taskErr) FailedTaskID() string { return e.id }

func TestManager_MarkAsError(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 3, Metadata{}, nil)
	_, _ = m.UpdateProgress(ctx, "wf-1", 1, 3, nil)

	cp, err := m.MarkAsError(ctx, "wf-1", taskErr{id: "copy"}, nil)
	if err != nil {
		t.Fatalf("MarkAsError failed: %v", err)
	}
	if cp.Status != StatusFailed {
		t.Errorf("Status = %s, want FAILED", cp.Status)
	}
	if cp.Step != 1 {
		t.Errorf("Step = %d, MarkAsError must not move step", cp.Step)
	}
	if len(cp.Errors) != 1 {
		t.Fatalf("Errors len = %d, want 1", len(cp.Errors))
	}
	e := cp.Errors[0]
	if e.Kind != retry.KindDependency || e.Attempt != 1 || e.TaskID != "copy" {
		t.Errorf("error entry = %+v", e)
	}
	if !e.Timestamp.Equal(clock.Now()) {
		t.Errorf("error timestamp = %v", e.Timestamp)
	}

	rs := cp.Metadata.RetryState
	if rs.CurrentAttempt != 1 || rs.ConsecutiveFailures != 1 || rs.LastKind != retry.KindDependency {
		t.Errorf("RetryState = %+v", rs)
	}
	if !rs.NextRetryTime.Equal(clock.Now().Add(time.Second)) {
		t.Errorf("NextRetryTime = %v, want now+1s", rs.NextRetryTime)
	}

	if _, err := m.MarkAsError(ctx, "wf-1", nil, nil); err == nil {
		t.Error("MarkAsError(nil) should fail")
	}
}

func TestManager_RecordSuccess(t *testing.T) {
	ctx := context.Background()
	m, primary, _ := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 3, Metadata{}, nil)

	before, _ := primary.History(ctx, "wf-1", 0)
	if _, err := m.RecordSuccess(ctx, "wf-1", nil); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	after, _ := primary.History(ctx, "wf-1", 0)
	if len(after) != len(before) {
		t.Error("RecordSuccess on a clean state should not write")
	}

	_, _ = m.MarkAsError(ctx, "wf-1", errors.New("connection reset"), nil)
	cp, err := m.RecordSuccess(ctx, "wf-1", nil)
	if err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if cp.Metadata.RetryState.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", cp.Metadata.RetryState.ConsecutiveFailures)
	}
	if cp.Metadata.RetryState.CurrentAttempt != 1 {
		t.Errorf("CurrentAttempt = %d, want 1 (not reset)", cp.Metadata.RetryState.CurrentAttempt)
	}
}

func TestManager_CanRetryPersistsCircuit(t *testing.T) {
	ctx := context.Background()
	m, primary, clock := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 3, Metadata{}, nil)

	for i := 0; i < 3; i++ {
		if _, err := m.MarkAsError(ctx, "wf-1", errors.New("connection reset"), nil); err != nil {
			t.Fatalf("MarkAsError failed: %v", err)
		}
	}

	before, _ := primary.History(ctx, "wf-1", 0)
	cp, ok, err := m.CanRetry(ctx, "wf-1", nil)
	if err != nil {
		t.Fatalf("CanRetry failed: %v", err)
	}
	if ok || cp.Metadata.RetryState.CircuitState != retry.CircuitOpen {
		t.Fatalf("CanRetry during cooldown = %v, circuit %s; want false, OPEN", ok, cp.Metadata.RetryState.CircuitState)
	}
	after, _ := primary.History(ctx, "wf-1", 0)
	if len(after) != len(before) {
		t.Error("CanRetry without a circuit change should not write")
	}

	clock.Advance(61 * time.Second)
	if _, ok, _ := m.CanRetry(ctx, "wf-1", nil); !ok {
		t.Fatal("CanRetry after cooldown = false, want true")
	}
	stored, _ := primary.Load(ctx, "wf-1")
	if stored.Metadata.RetryState.CircuitState != retry.CircuitHalfOpen {
		t.Fatalf("stored circuit = %s, want HALF_OPEN", stored.Metadata.RetryState.CircuitState)
	}

	// A failure in HALF_OPEN reopens the breaker and restarts the cooldown.
	cp, _ = m.MarkAsError(ctx, "wf-1", errors.New("connection reset"), nil)
	if cp.Metadata.RetryState.CircuitState != retry.CircuitOpen {
		t.Fatalf("circuit after HALF_OPEN failure = %s, want OPEN", cp.Metadata.RetryState.CircuitState)
	}
	if !cp.Metadata.RetryState.LastStateChangeTime.Equal(clock.Now()) {
		t.Errorf("LastStateChangeTime = %v, want %v", cp.Metadata.RetryState.LastStateChangeTime, clock.Now())
	}
	if _, ok, _ := m.CanRetry(ctx, "wf-1", nil); ok {
		t.Error("CanRetry right after reopening = true, want false")
	}

	clock.Advance(61 * time.Second)
	if _, ok, _ := m.CanRetry(ctx, "wf-1", nil); !ok {
		t.Fatal("CanRetry after second cooldown = false, want true")
	}
	cp, err = m.RecordSuccess(ctx, "wf-1", nil)
	if err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if cp.Metadata.RetryState.CircuitState != retry.CircuitClosed {
		t.Errorf("circuit after HALF_OPEN success = %s, want CLOSED", cp.Metadata.RetryState.CircuitState)
	}

	if _, _, err := m.CanRetry(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("CanRetry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_ResumeWorkflow(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 5, Metadata{}, nil)
	_, _ = m.UpdateProgress(ctx, "wf-1", 1, 5, map[string]interface{}{DataLastTaskOutput: "one"})
	_, _ = m.UpdateProgress(ctx, "wf-1", 2, 5, map[string]interface{}{DataLastTaskOutput: "two"})
	_, _ = m.MarkAsError(ctx, "wf-1", errors.New("connection timeout"), nil)

	first, err := m.ResumeWorkflow(ctx, "wf-1", nil)
	if err != nil {
		t.Fatalf("ResumeWorkflow failed: %v", err)
	}
	if first == nil {
		t.Fatal("ResumeWorkflow returned nil for a retryable workflow")
	}
	if first.Status != StatusResuming || first.Step != 2 || first.Progress != 40 {
		t.Errorf("resumed = status %s step %d progress %d", first.Status, first.Step, first.Progress)
	}
	if first.LastOutput() != "two" {
		t.Errorf("LastOutput = %v, want two", first.LastOutput())
	}
	if len(first.Errors) != 1 {
		t.Errorf("resume must keep the error trail, got %d errors", len(first.Errors))
	}
	if first.Metadata.RetryState.CurrentAttempt != 2 {
		t.Errorf("CurrentAttempt = %d, want 2", first.Metadata.RetryState.CurrentAttempt)
	}

	second, err := m.ResumeWorkflow(ctx, "wf-1", nil)
	if err != nil || second == nil {
		t.Fatalf("second ResumeWorkflow = %v, %v", second, err)
	}
	if second.Step != first.Step || second.LastOutput() != first.LastOutput() {
		t.Errorf("resume not idempotent: step %d/%d output %v/%v",
			first.Step, second.Step, first.LastOutput(), second.LastOutput())
	}
}

func TestManager_ResumeRejectsNonRetryable(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 2, Metadata{}, nil)
	_, _ = m.MarkAsError(ctx, "wf-1", errors.New("invalid input"), nil)

	cp, err := m.ResumeWorkflow(ctx, "wf-1", nil)
	if err != nil {
		t.Fatalf("ResumeWorkflow failed: %v", err)
	}
	if cp != nil {
		t.Errorf("ResumeWorkflow after VALIDATION error = %+v, want nil", cp)
	}

	if _, err := m.ResumeWorkflow(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResumeWorkflow(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_ResumeFromFreshProcess(t *testing.T) {
	ctx := context.Background()
	m, primary, clock := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 5, Metadata{}, nil)
	_, _ = m.UpdateProgress(ctx, "wf-1", 2, 5, map[string]interface{}{DataLastTaskOutput: 2})

	// A new manager over the same backend has an empty cache.
	m2, err := NewManager(primary, WithClock(clock.Now), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cp, err := m2.ResumeWorkflow(ctx, "wf-1", nil)
	if err != nil || cp == nil {
		t.Fatalf("ResumeWorkflow = %v, %v", cp, err)
	}
	if cp.Step != 2 {
		t.Errorf("Step = %d, want 2", cp.Step)
	}
	// Values read back from storage are JSON-decoded.
	if cp.LastOutput() != float64(2) {
		t.Errorf("LastOutput = %#v, want float64(2)", cp.LastOutput())
	}
}

func TestManager_FindAndSweepStuck(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	_, _ = m.Create(ctx, "stale", 3, Metadata{}, nil)
	_, _ = m.UpdateProgress(ctx, "stale", 1, 3, nil)
	_, _ = m.Create(ctx, "done", 1, Metadata{}, nil)
	_, _ = m.MarkCompleted(ctx, "done", nil)

	clock.Advance(45 * time.Minute)
	_, _ = m.Create(ctx, "fresh", 3, Metadata{}, nil)

	stuck, err := m.FindStuckWorkflows(ctx, 0)
	if err != nil {
		t.Fatalf("FindStuckWorkflows failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].WorkflowID != "stale" {
		t.Fatalf("stuck = %v, want [stale]", stuck)
	}

	// Startup sweep uses a 60 minute window.
	swept, err := m.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("Initialize swept %v before 60 minutes", swept)
	}

	clock.Advance(20 * time.Minute)
	swept, err = m.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if len(swept) != 1 || swept[0] != "stale" {
		t.Fatalf("swept = %v, want [stale]", swept)
	}

	cp, _ := m.Get(ctx, "stale", true)
	if cp.Status != StatusFailed {
		t.Errorf("swept status = %s, want FAILED", cp.Status)
	}
	last := cp.LastError()
	if last == nil || last.Kind != retry.KindTransient || last.Message != ErrInactivity.Error() {
		t.Errorf("last error = %+v", last)
	}

	// TRANSIENT keeps the workflow resumable.
	if r, err := m.ResumeWorkflow(ctx, "stale", nil); err != nil || r == nil {
		t.Errorf("swept workflow should be resumable: %v, %v", r, err)
	}
}

func TestManager_Cleanup(t *testing.T) {
	ctx := context.Background()
	m, primary, clock := newTestManager(t)

	_, _ = m.Create(ctx, "old-done", 1, Metadata{}, nil)
	_, _ = m.MarkCompleted(ctx, "old-done", nil)
	_, _ = m.Create(ctx, "old-failed", 1, Metadata{}, nil)
	_, _ = m.MarkAsError(ctx, "old-failed", errors.New("fatal"), nil)

	clock.Advance(48 * time.Hour)
	_, _ = m.Create(ctx, "new-done", 1, Metadata{}, nil)
	_, _ = m.MarkCompleted(ctx, "new-done", nil)

	n, err := m.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
	if _, err := m.Get(ctx, "old-done", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-done still readable: %v", err)
	}
	if _, err := primary.Archived("old-done"); err != nil {
		t.Errorf("old-done not archived: %v", err)
	}
	for _, id := range []string{"old-failed", "new-done"} {
		if _, err := m.Get(ctx, id, false); err != nil {
			t.Errorf("%s should survive cleanup: %v", id, err)
		}
	}
}

func TestManager_History(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 20, Metadata{}, nil)
	for i := 1; i <= 15; i++ {
		clock.Advance(time.Second)
		_, _ = m.UpdateProgress(ctx, "wf-1", i, 20, nil)
	}

	h, err := m.History(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(h) != DefaultHistoryLimit {
		t.Errorf("History len = %d, want %d", len(h), DefaultHistoryLimit)
	}
	if h[0].Checkpoint.Step != 15 {
		t.Errorf("newest step = %d, want 15", h[0].Checkpoint.Step)
	}

	h, _ = m.History(ctx, "wf-1", 3)
	if len(h) != 3 {
		t.Errorf("History(3) len = %d", len(h))
	}
}

func TestManager_CacheTTL(t *testing.T) {
	ctx := context.Background()
	m, primary, clock := newTestManager(t)
	_, _ = m.Create(ctx, "wf-1", 3, Metadata{}, nil)

	// Another process advances the workflow directly in storage.
	other, _ := primary.Load(ctx, "wf-1")
	other.Step = 2
	other.Status = StatusInProgress
	other.UpdatedAt = clock.Now().Add(time.Second)
	if err := primary.Save(ctx, other); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cp, _ := m.Get(ctx, "wf-1", false)
	if cp.Step != 0 {
		t.Errorf("cached Get step = %d, want stale 0", cp.Step)
	}

	cp, _ = m.Get(ctx, "wf-1", true)
	if cp.Step != 2 {
		t.Errorf("forced Get step = %d, want 2", cp.Step)
	}

	// And after TTL expiry without force.
	other.Step = 3
	other.UpdatedAt = other.UpdatedAt.Add(time.Second)
	_ = primary.Save(ctx, other)
	clock.Advance(DefaultCacheTTL)
	cp, _ = m.Get(ctx, "wf-1", false)
	if cp.Step != 3 {
		t.Errorf("Get after TTL step = %d, want 3", cp.Step)
	}
}

func TestManager_FallbackReadBackfillsPrimary(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	primary := &flakyBackend{Backend: NewMemBackend()}
	fallback := NewMemBackend()

	m, err := NewManager(primary,
		WithFallback(fallback), WithClock(clock.Now), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	// Only the fallback has the workflow.
	primary.failSave.Store(true)
	if _, err := m.Create(ctx, "wf-1", 2, Metadata{}, nil); err != nil {
		t.Fatalf("Create should succeed with one healthy backend: %v", err)
	}
	primary.failSave.Store(false)

	if _, err := primary.Backend.Load(ctx, "wf-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("primary should not have wf-1 yet: %v", err)
	}

	cp, err := m.Get(ctx, "wf-1", true)
	if err != nil {
		t.Fatalf("Get via fallback failed: %v", err)
	}
	if cp.WorkflowID != "wf-1" {
		t.Errorf("Get = %+v", cp)
	}
	if _, err := primary.Backend.Load(ctx, "wf-1"); err != nil {
		t.Errorf("primary was not backfilled: %v", err)
	}
}

func TestManager_PrimaryDownReadsFallback(t *testing.T) {
	ctx := context.Background()
	primary := &flakyBackend{Backend: NewMemBackend()}
	m, err := NewManager(primary, WithFallback(NewMemBackend()), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	_, _ = m.Create(ctx, "wf-1", 2, Metadata{}, nil)
	primary.failLoad.Store(true)

	if _, err := m.Get(ctx, "wf-1", true); err != nil {
		t.Errorf("Get with primary down failed: %v", err)
	}
	if _, err := m.Get(ctx, "missing", true); !errors.Is(err, errBackendDown) {
		t.Errorf("Get(missing) with primary down = %v, want primary error", err)
	}
}

func TestManager_AllBackendsDown(t *testing.T) {
	ctx := context.Background()
	primary := &flakyBackend{Backend: NewMemBackend()}
	fallback := &flakyBackend{Backend: NewMemBackend()}
	m, err := NewManager(primary, WithFallback(fallback), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	primary.failSave.Store(true)
	fallback.failSave.Store(true)

	if _, err := m.Create(ctx, "wf-1", 2, Metadata{}, nil); !errors.Is(err, errBackendDown) {
		t.Errorf("Create error = %v, want errBackendDown", err)
	}
	if _, err := m.Get(ctx, "wf-1", false); err == nil {
		t.Error("failed save must not be visible through the cache")
	}
}

func TestManager_ConcurrentErrorsSerialized(t *testing.T) {
	ctx := context.Background()
	p := testPolicy()
	p.MaxAttempts = 100
	p.CircuitBreaker.FailureThreshold = 1000
	m, _, clock := newTestManager(t)
	s, _ := retry.NewStrategy(p, retry.WithClock(clock.Now))

	_, _ = m.Create(ctx, "wf-1", 1, Metadata{}, s)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.MarkAsError(ctx, "wf-1", fmt.Errorf("connection reset %d", i), s); err != nil {
				t.Errorf("MarkAsError failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	cp, _ := m.Get(ctx, "wf-1", true)
	if len(cp.Errors) != n {
		t.Errorf("Errors len = %d, want %d (lost update)", len(cp.Errors), n)
	}
	if cp.Metadata.RetryState.CurrentAttempt != n {
		t.Errorf("CurrentAttempt = %d, want %d", cp.Metadata.RetryState.CurrentAttempt, n)
	}
}

func TestManager_ConcurrentWorkflowsIndependent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("wf-%d", w)
			if _, err := m.Create(ctx, id, 5, Metadata{}, nil); err != nil {
				t.Errorf("Create %s: %v", id, err)
				return
			}
			for step := 1; step <= 5; step++ {
				if _, err := m.UpdateProgress(ctx, id, step, 5, nil); err != nil {
					t.Errorf("UpdateProgress %s: %v", id, err)
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 10; w++ {
		cp, err := m.Get(ctx, fmt.Sprintf("wf-%d", w), true)
		if err != nil || cp.Step != 5 {
			t.Errorf("wf-%d: %v step %v", w, err, cp)
		}
	}
}

func TestManager_Closed(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Get(ctx, "x", false); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get after Close = %v", err)
	}
	if _, err := m.Create(ctx, "x", 1, Metadata{}, nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Create after Close = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestMemBackend_Contract(t *testing.T) {
	testBackendContract(t, NewMemBackend())
}
