// Package emit delivers migration lifecycle events to observers.
//
// The coordinator publishes an Event at each state change of a workflow or
// task. Emitters route events to logs, OpenTelemetry, in-memory history, or
// subscriber channels. The coordinator never reads events back.
package emit

import "time"

// Type identifies a lifecycle event.
type Type string

const (
	// TaskStarted is emitted before a task attempt runs.
	TaskStarted Type = "TASK_STARTED"

	// TaskCompleted is emitted after a task's output has been checkpointed.
	TaskCompleted Type = "TASK_COMPLETED"

	// TaskFailed is emitted when a task fails and will not be retried.
	TaskFailed Type = "TASK_FAILED"

	// TaskRetrying is emitted before the backoff sleep preceding a retry.
	TaskRetrying Type = "TASK_RETRYING"

	// CheckpointCreated is emitted after a checkpoint write is acknowledged.
	CheckpointCreated Type = "CHECKPOINT_CREATED"

	// WorkflowCompleted is emitted after the workflow is marked COMPLETED.
	WorkflowCompleted Type = "WORKFLOW_COMPLETED"

	// WorkflowFailed is emitted after the workflow is marked FAILED.
	WorkflowFailed Type = "WORKFLOW_FAILED"
)

// Types lists all lifecycle event types.
var Types = []Type{
	TaskStarted, TaskCompleted, TaskFailed, TaskRetrying,
	CheckpointCreated, WorkflowCompleted, WorkflowFailed,
}

// Event is a single lifecycle notification.
//
// Fields that do not apply to an event type are left at their zero value:
// workflow-level events carry no TaskID, and only failure and retry events
// carry Error, Kind, Attempts and DelayMs.
type Event struct {
	// Type is the lifecycle event type.
	Type Type `json:"type"`

	// WorkflowID identifies the workflow instance.
	WorkflowID string `json:"workflowId"`

	// TaskID identifies the task, empty for workflow-level events.
	TaskID string `json:"taskId,omitempty"`

	// Step is the zero-based index of the task within the workflow.
	Step int `json:"step"`

	// Error is the error message for failure and retry events.
	Error string `json:"error,omitempty"`

	// Kind is the retry classification of Error.
	Kind string `json:"kind,omitempty"`

	// Attempts is the workflow's attempt counter at the time of the event.
	Attempts int `json:"attempts,omitempty"`

	// DelayMs is the backoff before the next attempt, for TASK_RETRYING.
	DelayMs int64 `json:"delayMs,omitempty"`

	// Msg is a short human-readable description.
	Msg string `json:"msg,omitempty"`

	// Meta carries additional structured data, for example
	// "duration_ms" on TASK_COMPLETED or "reason" on WORKFLOW_FAILED.
	Meta map[string]interface{} `json:"meta,omitempty"`

	// Time is when the event was produced.
	Time time.Time `json:"time"`
}
