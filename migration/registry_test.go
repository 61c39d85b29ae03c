package migration

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/migrate-go/migration/retry"
)

func tasksOf(ids ...string) func() []Task {
	return func() []Task {
		tasks := make([]Task, len(ids))
		for i, id := range ids {
			tasks[i] = okTask(id, i)
		}
		return tasks
	}
}

func TestRegistry_Versions(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Definition{Name: "users", Tasks: tasksOf("a")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(Definition{Name: "users", Version: 3, Tasks: tasksOf("a", "b", "c")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(Definition{Name: "users", Version: 2, Tasks: tasksOf("a", "b")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	def, ok := r.Get("users")
	if !ok || def.Version != 3 {
		t.Errorf("Get = v%d, %v; want v3", def.Version, ok)
	}
	def, ok = r.GetVersion("users", 1)
	if !ok || len(def.Tasks()) != 1 {
		t.Errorf("GetVersion(1) = %+v, %v", def, ok)
	}
	if _, ok := r.GetVersion("users", 9); ok {
		t.Error("GetVersion(9) should not exist")
	}

	// Same version replaces.
	if err := r.Register(Definition{Name: "users", Version: 3, Tasks: tasksOf("x")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	def, _ = r.Get("users")
	if n := len(def.Tasks()); n != 1 {
		t.Errorf("replaced v3 has %d tasks, want 1", n)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	bad := retry.DefaultPolicy()
	bad.BackoffCoefficient = 0.5

	tests := []struct {
		name string
		def  Definition
	}{
		{name: "empty name", def: Definition{Tasks: tasksOf("a")}},
		{name: "no task builder", def: Definition{Name: "x"}},
		{name: "invalid policy", def: Definition{Name: "x", Tasks: tasksOf("a"), RetryPolicy: &bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().Register(tt.def); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Definition{Name: "ok", Tasks: tasksOf("a", "b")})
	_ = r.Register(Definition{Name: "dup", Tasks: tasksOf("a", "a")})

	tasks, def, err := r.build("ok")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(tasks) != 2 || def.Name != "ok" {
		t.Errorf("build = %d tasks, %s", len(tasks), def.Name)
	}

	if _, _, err := r.build("missing"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("missing error = %v, want ErrDefinitionNotFound", err)
	}
	_, _, err = r.build("dup")
	var ce *CoordinatorError
	if !errors.As(err, &ce) || ce.Code != "DUPLICATE_TASK" {
		t.Errorf("dup error = %v, want DUPLICATE_TASK", err)
	}

	if got := r.Names(); len(got) != 2 || got[0] != "dup" || got[1] != "ok" {
		t.Errorf("Names = %v, want [dup ok]", got)
	}
}

func TestMetrics_DisableEnable(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Disable()
	m.IncrementOutcome("w", "completed")
	m.RecordTaskLatency("w", "t", time.Millisecond, "success")
	if v := testutil.ToFloat64(m.outcomes.WithLabelValues("w", "completed")); v != 0 {
		t.Errorf("disabled outcome = %v, want 0", v)
	}

	m.Enable()
	m.IncrementOutcome("w", "completed")
	m.UpdateScheduler(2, 7, 5)
	if v := testutil.ToFloat64(m.outcomes.WithLabelValues("w", "completed")); v != 1 {
		t.Errorf("outcome = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.queued); v != 7 {
		t.Errorf("queued = %v, want 7", v)
	}

	var nilMetrics *Metrics
	nilMetrics.IncrementRetries("w", "t", "UNKNOWN")
}
