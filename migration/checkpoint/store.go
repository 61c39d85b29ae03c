package checkpoint

import (
	"context"
	"time"

	"github.com/dshills/migrate-go/migration/retry"
)

// Store is the checkpoint contract consumed by the migration coordinator.
//
// Guarantees:
//   - Save is atomic: the current record and its history snapshot become
//     visible together or not at all.
//   - Writes for the same workflow ID are serialized; writes for different
//     IDs never block each other.
//   - Reads in the same process observe that process's writes immediately.
//     Reads of writes made by another process may lag by the cache TTL.
//   - Step never decreases across saves of the same workflow.
//   - COMPLETED checkpoints are immutable until Cleanup removes them.
type Store interface {
	// Create initializes a PENDING checkpoint with step 0 and a fresh
	// RetryState from s (the store default when s is nil).
	// Returns ErrAlreadyExists if workflowID is in use.
	Create(ctx context.Context, workflowID string, totalSteps int, meta Metadata, s *retry.Strategy) (*WorkflowCheckpoint, error)

	// Save upserts cp and appends a history snapshot.
	Save(ctx context.Context, cp *WorkflowCheckpoint) error

	// Get returns the checkpoint, from cache unless forceRefresh is set.
	// Returns ErrNotFound if none exists.
	Get(ctx context.Context, workflowID string, forceRefresh bool) (*WorkflowCheckpoint, error)

	// UpdateProgress sets step and totalSteps, recomputes progress, sets
	// IN_PROGRESS and merges data.
	UpdateProgress(ctx context.Context, workflowID string, step, totalSteps int, data map[string]interface{}) (*WorkflowCheckpoint, error)

	// MarkCompleted sets COMPLETED and progress 100 and merges data.
	MarkCompleted(ctx context.Context, workflowID string, data map[string]interface{}) (*WorkflowCheckpoint, error)

	// MarkAsError appends err to the error trail, sets FAILED and updates
	// the RetryState through s (the store default when s is nil).
	MarkAsError(ctx context.Context, workflowID string, err error, s *retry.Strategy) (*WorkflowCheckpoint, error)

	// CanRetry reports whether s allows another attempt, judged on the
	// stored RetryState under the workflow's lock. An OPEN breaker whose
	// cooldown has elapsed is saved as HALF_OPEN.
	CanRetry(ctx context.Context, workflowID string, s *retry.Strategy) (*WorkflowCheckpoint, bool, error)

	// RecordSuccess clears the consecutive failure count through s without
	// changing progress. Used after a successful retry.
	RecordSuccess(ctx context.Context, workflowID string, s *retry.Strategy) (*WorkflowCheckpoint, error)

	// ResumeWorkflow prepares a workflow for another run. It returns nil
	// with a nil error when the workflow is COMPLETED or s.CanRetry is false.
	ResumeWorkflow(ctx context.Context, workflowID string, s *retry.Strategy) (*WorkflowCheckpoint, error)

	// FindStuckWorkflows returns active checkpoints not updated within threshold.
	FindStuckWorkflows(ctx context.Context, threshold time.Duration) ([]*WorkflowCheckpoint, error)

	// Cleanup archives and deletes COMPLETED checkpoints (and their history)
	// last updated more than olderThan ago. Returns the number removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// History returns up to limit snapshots, newest first.
	History(ctx context.Context, workflowID string, limit int) ([]HistoryEntry, error)
}

// Backend is a single durable storage engine behind a Manager.
//
// Backends do not enforce checkpoint semantics (immutability, step
// monotonicity); the Manager does. They must make Save atomic.
type Backend interface {
	// Name identifies the backend in logs ("memory", "sqlite", "mysql").
	Name() string

	// Load returns the current checkpoint or ErrNotFound.
	Load(ctx context.Context, workflowID string) (*WorkflowCheckpoint, error)

	// Save upserts the current record and appends a history snapshot in one
	// transaction.
	Save(ctx context.Context, cp *WorkflowCheckpoint) error

	// History returns up to limit snapshots for workflowID, newest first.
	// A limit <= 0 returns all.
	History(ctx context.Context, workflowID string, limit int) ([]HistoryEntry, error)

	// List returns checkpoints whose status is in statuses and whose
	// UpdatedAt is before updatedBefore, oldest first.
	List(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]*WorkflowCheckpoint, error)

	// Archive copies COMPLETED checkpoints updated before cutoff to the
	// archive, then deletes them and their history. Returns the IDs removed.
	Archive(ctx context.Context, cutoff time.Time) ([]string, error)

	// Close releases resources.
	Close() error
}
