// Package checkpoint persists migration workflow progress.
//
// A WorkflowCheckpoint is the durable record of one workflow instance: its
// status, position in the task list, the data handed between tasks, the
// error trail and the retry bookkeeping. Every save also appends an immutable
// snapshot to the workflow's history, which is used to pick a safe resume
// point and for audit.
//
// The Store interface is the contract the coordinator relies on. Manager is
// the default implementation: it fronts one or two Backends (primary and
// fallback) with a short-TTL read cache.
package checkpoint

import (
	"errors"
	"math"
	"time"

	"github.com/dshills/migrate-go/migration/retry"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a workflow ID.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrAlreadyExists is returned by Create for an ID that is already in use.
	ErrAlreadyExists = errors.New("checkpoint already exists")

	// ErrCompletedImmutable is returned when mutating a COMPLETED checkpoint.
	ErrCompletedImmutable = errors.New("checkpoint is completed and immutable")

	// ErrStepRegression is returned when a save would move Step backwards.
	ErrStepRegression = errors.New("checkpoint step cannot decrease")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Status is the lifecycle state of a workflow checkpoint.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResuming   Status = "RESUMING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ActiveStatuses are the non-terminal statuses considered by stuck detection.
var ActiveStatuses = []Status{StatusInProgress, StatusPending, StatusResuming}

// DefaultPriority is used when Metadata.Priority is zero.
const DefaultPriority = 5

// Data keys written by the checkpoint manager.
const (
	DataLastTaskOutput = "lastTaskOutput"
	DataFinalOutput    = "finalOutput"
	DataCompletedAt    = "completedAt"
)

// WorkflowError is one entry of a checkpoint's error trail.
type WorkflowError struct {
	Message   string     `json:"message"`
	Name      string     `json:"name,omitempty"`
	Kind      retry.Kind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Attempt   int        `json:"attempt"`
	TaskID    string     `json:"taskId,omitempty"`
}

// Metadata holds checkpoint attributes that are not progress.
type Metadata struct {
	// RetryState is the persisted retry and circuit breaker bookkeeping.
	RetryState retry.State `json:"retryState"`

	// Priority is the admission priority, 1 (lowest) to 10 (highest).
	Priority int `json:"priority"`

	// WorkflowName names the registered definition used to rebuild the
	// task list on resume.
	WorkflowName string `json:"workflowName,omitempty"`

	// Description is free text.
	Description string `json:"description,omitempty"`

	// Extra carries caller-defined values; never interpreted.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// WorkflowCheckpoint is the durable state of one workflow instance.
//
// Step counts completed tasks, so it is also the index of the next task to
// run. Data values must be JSON-serializable; the manager never interprets
// them beyond the keys listed above.
type WorkflowCheckpoint struct {
	WorkflowID string                 `json:"workflowId"`
	Status     Status                 `json:"status"`
	Step       int                    `json:"step"`
	TotalSteps int                    `json:"totalSteps"`
	Progress   int                    `json:"progress"`
	Data       map[string]interface{} `json:"data"`
	Errors     []WorkflowError        `json:"errors"`
	Metadata   Metadata               `json:"metadata"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// HistoryEntry is an immutable snapshot appended on every save.
type HistoryEntry struct {
	WorkflowID string              `json:"workflowId"`
	Checkpoint *WorkflowCheckpoint `json:"checkpoint"`
	RecordedAt time.Time           `json:"recordedAt"`
}

// ComputeProgress returns round(step/total*100), clamped to 0..100.
// A workflow with no steps reports 0.
func ComputeProgress(step, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(step) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LastError returns the most recent error, or nil if there is none.
func (cp *WorkflowCheckpoint) LastError() *WorkflowError {
	if len(cp.Errors) == 0 {
		return nil
	}
	e := cp.Errors[len(cp.Errors)-1]
	return &e
}

// LastOutput returns the output of the most recently completed task.
func (cp *WorkflowCheckpoint) LastOutput() interface{} {
	return cp.Data[DataLastTaskOutput]
}

// Clone returns a deep copy. Nested maps and slices inside Data and
// Metadata.Extra are copied; other values are shared.
func (cp *WorkflowCheckpoint) Clone() *WorkflowCheckpoint {
	if cp == nil {
		return nil
	}
	c := *cp
	c.Data = copyMap(cp.Data)
	c.Metadata.Extra = copyMap(cp.Metadata.Extra)
	if cp.Errors != nil {
		c.Errors = make([]WorkflowError, len(cp.Errors))
		copy(c.Errors, cp.Errors)
	}
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func mergeData(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}
