package migration

import (
	"time"

	"github.com/dshills/migrate-go/migration/checkpoint"
	"github.com/dshills/migrate-go/migration/retry"
)

// State is the externally reported state of a workflow.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Progress is the position of a workflow in its task list.
type Progress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Timestamps are the lifecycle times of a workflow.
type Timestamps struct {
	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
	Completed *time.Time `json:"completed,omitempty"`
}

// StatusError is the most recent error of a workflow.
type StatusError struct {
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Kind      retry.Kind `json:"kind"`
	TaskID    string     `json:"taskId,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// WorkflowStatus is the normalized view returned by GetWorkflowStatus.
type WorkflowStatus struct {
	WorkflowID string       `json:"workflowId"`
	Name       string       `json:"name,omitempty"`
	State      State        `json:"state"`
	Priority   int          `json:"priority"`
	Queued     bool         `json:"queued,omitempty"`
	Progress   Progress     `json:"progress"`
	Timestamps Timestamps   `json:"timestamps"`
	Attempts   int          `json:"attempts"`
	Circuit    string       `json:"circuit"`
	Result     interface{}  `json:"result,omitempty"`
	Error      *StatusError `json:"error,omitempty"`
	Tasks      []TaskState  `json:"tasks,omitempty"`
}

// stateOf maps a checkpoint status to a reported state.
func stateOf(s checkpoint.Status) State {
	switch s {
	case checkpoint.StatusInProgress, checkpoint.StatusResuming:
		return StateRunning
	case checkpoint.StatusCompleted:
		return StateCompleted
	case checkpoint.StatusFailed:
		return StateFailed
	default:
		return StatePending
	}
}

// statusFromCheckpoint builds the persisted part of a WorkflowStatus.
func statusFromCheckpoint(cp *checkpoint.WorkflowCheckpoint) *WorkflowStatus {
	st := &WorkflowStatus{
		WorkflowID: cp.WorkflowID,
		Name:       cp.Metadata.WorkflowName,
		State:      stateOf(cp.Status),
		Priority:   cp.Metadata.Priority,
		Progress: Progress{
			Current:    cp.Step,
			Total:      cp.TotalSteps,
			Percentage: cp.Progress,
		},
		Timestamps: Timestamps{Created: cp.CreatedAt, Updated: cp.UpdatedAt},
		Attempts:   cp.Metadata.RetryState.CurrentAttempt,
		Circuit:    string(cp.Metadata.RetryState.CircuitState),
	}

	if cp.Status == checkpoint.StatusCompleted {
		st.Result = cp.Data[checkpoint.DataFinalOutput]
		if s, ok := cp.Data[checkpoint.DataCompletedAt].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				st.Timestamps.Completed = &t
			}
		}
	}
	if e := cp.LastError(); e != nil && cp.Status != checkpoint.StatusCompleted {
		st.Error = &StatusError{
			Message:   e.Message,
			Code:      e.Name,
			Kind:      e.Kind,
			TaskID:    e.TaskID,
			Timestamp: e.Timestamp,
		}
	}
	return st
}
