package migration

import (
	"errors"
	"fmt"

	"github.com/dshills/migrate-go/migration/retry"
)

var (
	// ErrWorkflowNotFound is returned when no checkpoint exists for an ID.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowActive is returned when starting a workflow whose ID is
	// already queued or running in this coordinator.
	ErrWorkflowActive = errors.New("workflow is already active")

	// ErrWorkflowNotActive is returned by StopWorkflow for a workflow that is
	// neither queued nor running.
	ErrWorkflowNotActive = errors.New("workflow is not active")

	// ErrNoTasks is returned when a workflow is submitted without tasks.
	ErrNoTasks = errors.New("workflow has no tasks")

	// ErrDefinitionNotFound is returned when a workflow cannot be resumed
	// because its task list is neither cached nor registered.
	ErrDefinitionNotFound = errors.New("workflow definition not registered")

	// ErrWorkflowStopped is recorded on workflows stopped with StopWorkflow.
	ErrWorkflowStopped = errors.New("workflow stopped")

	// ErrCoordinatorClosed is returned by every operation after Close.
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)

// CoordinatorError reports an invalid request to the coordinator.
type CoordinatorError struct {
	Message string
	Code    string
}

func (e *CoordinatorError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// TaskError is a failed task attempt.
//
// It wraps the error returned by the task so errors.Is and errors.As see the
// original cause.
type TaskError struct {
	TaskID  string
	Step    int
	Attempt int
	Kind    retry.Kind
	Cause   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (step %d) failed: %v", e.TaskID, e.Step, e.Cause)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// FailedTaskID returns the ID of the task that failed. The checkpoint error
// trail uses it to attribute errors to tasks.
func (e *TaskError) FailedTaskID() string { return e.TaskID }
