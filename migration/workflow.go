package migration

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dshills/migrate-go/migration/checkpoint"
	"github.com/dshills/migrate-go/migration/retry"
)

// WorkflowConfig describes a workflow submission.
type WorkflowConfig struct {
	// ID identifies the workflow. A UUID is generated when empty.
	ID string

	// Name is the definition name used to rebuild tasks on resume after a
	// restart. When tasks are not passed to StartWorkflow they are built
	// from the registered definition with this name.
	Name string

	// Description is stored in the checkpoint.
	Description string

	// Priority is the admission priority, 1..10. Zero means the
	// definition's priority, or 5.
	Priority int

	// DependsOn lists workflow IDs that must complete successfully before
	// this workflow is admitted.
	DependsOn []string

	// RetryPolicy overrides the definition and coordinator policies.
	RetryPolicy *retry.Policy

	// Input is passed to the first task. Must be JSON-serializable; it is
	// persisted so a resumed workflow starting at step 0 sees it again.
	Input interface{}

	// Extra is stored in checkpoint metadata and never interpreted.
	Extra map[string]interface{}
}

// extraInput is the Metadata.Extra key holding the workflow input.
const extraInput = "input"

// workflow is the in-process state of a queued or running workflow.
type workflow struct {
	id        string
	name      string
	tasks     []Task
	input     interface{}
	priority  int
	strategy  *retry.Strategy
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	stopErr    error
	step       int
	taskStates []TaskState
	startedAt  time.Time
}

func newWorkflow(id, name string, tasks []Task, input interface{}, s *retry.Strategy) *workflow {
	states := make([]TaskState, len(tasks))
	for i, t := range tasks {
		states[i] = TaskState{ID: t.ID, Name: t.Name, Status: TaskPending}
	}
	return &workflow{
		id:         id,
		name:       name,
		tasks:      tasks,
		input:      input,
		strategy:   s,
		done:       make(chan struct{}),
		taskStates: states,
	}
}

// label is the metrics label for the workflow.
func (w *workflow) label() string {
	if w.name == "" {
		return "unnamed"
	}
	return w.name
}

// start marks the workflow running. A stop requested while it was queued
// cancels it immediately.
func (w *workflow) start(cancel context.CancelFunc, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.cancel = cancel
	w.startedAt = now
	if w.stopErr != nil {
		cancel()
	}
}

func (w *workflow) requestStop(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopErr == nil {
		w.stopErr = err
	}
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *workflow) stopCause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopErr
}

func (w *workflow) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *workflow) markDone() {
	w.closeOnce.Do(func() { close(w.done) })
}

// resumeAt marks tasks before step as already completed.
func (w *workflow) resumeAt(step int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step = step
	for i := 0; i < step && i < len(w.taskStates); i++ {
		w.taskStates[i].Status = TaskCompleted
	}
}

// beginTask records a new attempt of task i and returns the task's attempt
// count.
func (w *workflow) beginTask(i int, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := &w.taskStates[i]
	ts.Status = TaskRunning
	ts.Attempts++
	if ts.StartedAt.IsZero() {
		ts.StartedAt = now
	}
	ts.Error = ""
	return ts.Attempts
}

func (w *workflow) endTask(i int, status TaskStatus, errMsg string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := &w.taskStates[i]
	ts.Status = status
	ts.Error = errMsg
	if status == TaskCompleted || status == TaskFailed {
		ts.FinishedAt = now
	}
	if status == TaskCompleted {
		w.step = i + 1
	}
}

// overlay replaces the persisted view in st with live state.
func (w *workflow) overlay(st *WorkflowStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		st.State = StatePending
		st.Queued = true
	} else {
		st.State = StateRunning
		if w.step > st.Progress.Current {
			st.Progress.Current = w.step
			st.Progress.Percentage = checkpoint.ComputeProgress(w.step, st.Progress.Total)
		}
	}
	st.Tasks = append([]TaskState(nil), w.taskStates...)
}

// prepareTasks validates tasks and returns a copy sorted by Step.
func prepareTasks(tasks []Task) ([]Task, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return nil, &CoordinatorError{Message: "task at index " + strconv.Itoa(i) + " has no ID", Code: "INVALID_TASK"}
		}
		if seen[t.ID] {
			return nil, &CoordinatorError{Message: "duplicate task ID: " + t.ID, Code: "DUPLICATE_TASK"}
		}
		if t.Execute == nil {
			return nil, &CoordinatorError{Message: "task " + t.ID + " has no Execute function", Code: "INVALID_TASK"}
		}
		seen[t.ID] = true
	}

	sorted := append([]Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })
	return sorted, nil
}
