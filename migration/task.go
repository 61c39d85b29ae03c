package migration

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/migrate-go/migration/checkpoint"
	"github.com/dshills/migrate-go/migration/emit"
)

// TaskFunc executes one step of a migration.
//
// input is the task's fixed Input when set, otherwise the previous task's
// output (the workflow input for the first task). The returned output is
// checkpointed before the next task sees it, so it must be
// JSON-serializable.
type TaskFunc func(ctx context.Context, input interface{}, tc *TaskContext) (interface{}, error)

// Task is one step of a migration workflow.
type Task struct {
	// ID identifies the task within its workflow. Required and unique.
	ID string

	// Name is a human-readable label.
	Name string

	// Step orders tasks; lower steps run first.
	Step int

	// Input, when non-nil, replaces the previous task's output as input.
	Input interface{}

	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// Execute runs the task. Required.
	Execute TaskFunc
}

// TaskStatus is the lifecycle state of a task within a running workflow.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskRetrying  TaskStatus = "RETRYING"
)

// TaskState is the live state of one task.
type TaskState struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// TaskContext gives a running task access to its workflow.
type TaskContext struct {
	WorkflowID string
	TaskID     string
	Step       int
	TotalSteps int
	Attempt    int
	Logger     *slog.Logger

	done  <-chan struct{}
	store checkpoint.Store
	emit  func(emit.Event)
}

// CreateCheckpoint merges data into the workflow checkpoint without
// advancing the step. Use it to record progress inside a long task.
// Values are stored as JSON, so numbers read back as float64.
func (tc *TaskContext) CreateCheckpoint(ctx context.Context, data map[string]interface{}) error {
	if _, err := tc.store.UpdateProgress(ctx, tc.WorkflowID, tc.Step, tc.TotalSteps, data); err != nil {
		return err
	}
	tc.emit(emit.Event{
		Type:       emit.CheckpointCreated,
		WorkflowID: tc.WorkflowID,
		TaskID:     tc.TaskID,
		Step:       tc.Step,
		Msg:        "intermediate checkpoint",
	})
	return nil
}

// LastCheckpoint returns the workflow's current checkpoint.
func (tc *TaskContext) LastCheckpoint(ctx context.Context) (*checkpoint.WorkflowCheckpoint, error) {
	return tc.store.Get(ctx, tc.WorkflowID, false)
}

// Done is closed when the workflow is stopped or the coordinator shuts down.
func (tc *TaskContext) Done() <-chan struct{} { return tc.done }
