package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/migrate-go/migration/retry"
)

const (
	// DefaultCacheTTL is how long a cached checkpoint is served without
	// going back to the backend.
	DefaultCacheTTL = 60 * time.Second

	// DefaultStuckThreshold is the inactivity window used by
	// FindStuckWorkflows when the caller passes zero.
	DefaultStuckThreshold = 30 * time.Minute

	// DefaultStartupSweepThreshold is the inactivity window used by
	// Initialize to force-fail workflows abandoned by a previous process.
	DefaultStartupSweepThreshold = 60 * time.Minute

	// DefaultHistoryLimit is used by History when limit <= 0.
	DefaultHistoryLimit = 10

	// resumeScanDepth is how many recent snapshots ResumeWorkflow inspects.
	resumeScanDepth = 5
)

// ErrInactivity is recorded by the stuck-workflow sweep. It is classified
// TRANSIENT so the normal resume path decides whether to re-admit the
// workflow.
var ErrInactivity = errors.New("workflow marked as failed due to inactivity")

// errNoChange tells mutate to skip the write.
var errNoChange = errors.New("no change")

// Manager is the default Store implementation.
//
// It writes every checkpoint to a primary Backend and, when configured, a
// fallback Backend. A save succeeds if at least one backend accepts it; a
// failing backend is logged. Reads go to a TTL cache first, then the
// primary, then the fallback; a checkpoint found only in the fallback is
// copied back into the primary.
//
// Writes for the same workflow ID are serialized with a per-key lock.
// Concurrent cache misses for the same ID share one backend read.
type Manager struct {
	primary  Backend
	fallback Backend
	strategy *retry.Strategy
	logger   *slog.Logger
	now      func() time.Time
	cacheTTL time.Duration

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	locks keyedMutex
	loads singleflight.Group

	mu     sync.RWMutex
	closed bool
}

type cacheEntry struct {
	cp      *WorkflowCheckpoint
	expires time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFallback sets the secondary backend.
func WithFallback(b Backend) ManagerOption {
	return func(m *Manager) { m.fallback = b }
}

// WithStrategy sets the retry strategy used when a call passes a nil one.
func WithStrategy(s *retry.Strategy) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.strategy = s
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now for timestamps, TTLs and stuck detection.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCacheTTL sets the cache TTL. Zero sends every Get to the backend.
func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.cacheTTL = ttl }
}

// NewManager creates a Manager over primary.
func NewManager(primary Backend, opts ...ManagerOption) (*Manager, error) {
	if primary == nil {
		return nil, errors.New("checkpoint: primary backend is required")
	}

	m := &Manager{
		primary:  primary,
		logger:   slog.Default(),
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.strategy == nil {
		s, err := retry.NewStrategy(retry.DefaultPolicy(), retry.WithClock(m.now))
		if err != nil {
			return nil, err
		}
		m.strategy = s
	}
	return m, nil
}

// Strategy returns the default retry strategy.
func (m *Manager) Strategy() *retry.Strategy { return m.strategy }

// Initialize runs the startup sweep: workflows left active for longer than
// DefaultStartupSweepThreshold are marked FAILED with ErrInactivity.
// Returns the IDs swept.
func (m *Manager) Initialize(ctx context.Context) ([]string, error) {
	return m.SweepStuck(ctx, DefaultStartupSweepThreshold)
}

// Create implements Store.
func (m *Manager) Create(ctx context.Context, workflowID string, totalSteps int, meta Metadata, s *retry.Strategy) (*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, errors.New("checkpoint: workflow ID is required")
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	if _, err := m.Get(ctx, workflowID, true); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, workflowID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if meta.Priority == 0 {
		meta.Priority = DefaultPriority
	}
	meta.Priority = ClampPriority(meta.Priority)
	meta.RetryState = m.strategyOr(s).NewState()

	now := m.now()
	cp := &WorkflowCheckpoint{
		WorkflowID: workflowID,
		Status:     StatusPending,
		TotalSteps: totalSteps,
		Data:       map[string]interface{}{},
		Errors:     []WorkflowError{},
		Metadata:   meta,
		CreatedAt:  now,
	}
	if err := m.write(ctx, cp); err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// Save implements Store.
func (m *Manager) Save(ctx context.Context, cp *WorkflowCheckpoint) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if cp == nil || cp.WorkflowID == "" {
		return errors.New("checkpoint: workflow ID is required")
	}

	unlock := m.locks.Lock(cp.WorkflowID)
	defer unlock()

	current, err := m.Get(ctx, cp.WorkflowID, false)
	switch {
	case err == nil:
		if current.Status == StatusCompleted {
			return fmt.Errorf("%w: %s", ErrCompletedImmutable, cp.WorkflowID)
		}
		if cp.Step < current.Step {
			return fmt.Errorf("%w: %s step %d < %d", ErrStepRegression, cp.WorkflowID, cp.Step, current.Step)
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	c := cp.Clone()
	c.Progress = ComputeProgress(c.Step, c.TotalSteps)
	if c.Status == StatusCompleted {
		c.Progress = 100
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	return m.write(ctx, c)
}

// Get implements Store.
func (m *Manager) Get(ctx context.Context, workflowID string, forceRefresh bool) (*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	if !forceRefresh {
		if cp, ok := m.cacheGet(workflowID); ok {
			return cp, nil
		}
	}

	v, err, _ := m.loads.Do(workflowID, func() (interface{}, error) {
		return m.fetch(ctx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return m.cacheMerge(v.(*WorkflowCheckpoint)), nil
}

// UpdateProgress implements Store.
func (m *Manager) UpdateProgress(ctx context.Context, workflowID string, step, totalSteps int, data map[string]interface{}) (*WorkflowCheckpoint, error) {
	return m.mutate(ctx, workflowID, false, func(cp *WorkflowCheckpoint) error {
		if step < cp.Step {
			return fmt.Errorf("%w: %s step %d < %d", ErrStepRegression, workflowID, step, cp.Step)
		}
		cp.Step = step
		if totalSteps > 0 {
			cp.TotalSteps = totalSteps
		}
		cp.Progress = ComputeProgress(cp.Step, cp.TotalSteps)
		cp.Status = StatusInProgress
		cp.Data = mergeData(cp.Data, data)
		return nil
	})
}

// MarkCompleted implements Store. Step is advanced to TotalSteps.
func (m *Manager) MarkCompleted(ctx context.Context, workflowID string, data map[string]interface{}) (*WorkflowCheckpoint, error) {
	return m.mutate(ctx, workflowID, false, func(cp *WorkflowCheckpoint) error {
		cp.Status = StatusCompleted
		if cp.Step < cp.TotalSteps {
			cp.Step = cp.TotalSteps
		}
		cp.Progress = 100
		cp.Data = mergeData(cp.Data, data)
		cp.Data[DataCompletedAt] = m.now().UTC().Format(time.RFC3339Nano)
		return nil
	})
}

// MarkAsError implements Store. The checkpoint is re-read from the backend
// before the error is recorded.
func (m *Manager) MarkAsError(ctx context.Context, workflowID string, cause error, s *retry.Strategy) (*WorkflowCheckpoint, error) {
	if cause == nil {
		return nil, errors.New("checkpoint: MarkAsError requires an error")
	}
	st := m.strategyOr(s)

	return m.mutate(ctx, workflowID, true, func(cp *WorkflowCheckpoint) error {
		kind := st.Update(&cp.Metadata.RetryState, cause)
		cp.Errors = append(cp.Errors, WorkflowError{
			Message:   cause.Error(),
			Name:      errorName(cause),
			Kind:      kind,
			Timestamp: m.now(),
			Attempt:   cp.Metadata.RetryState.CurrentAttempt,
			TaskID:    failedTaskID(cause),
		})
		cp.Status = StatusFailed
		return nil
	})
}

// CanRetry implements Store. Nothing is written unless the breaker state
// changed.
func (m *Manager) CanRetry(ctx context.Context, workflowID string, s *retry.Strategy) (*WorkflowCheckpoint, bool, error) {
	st := m.strategyOr(s)

	var ok bool
	cp, err := m.mutate(ctx, workflowID, false, func(cp *WorkflowCheckpoint) error {
		rs := &cp.Metadata.RetryState
		before := rs.CircuitState
		ok = st.CanRetry(rs)
		if rs.CircuitState == before {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return cp, ok, nil
}

// RecordSuccess implements Store. Nothing is written when the retry state
// is already clean.
func (m *Manager) RecordSuccess(ctx context.Context, workflowID string, s *retry.Strategy) (*WorkflowCheckpoint, error) {
	st := m.strategyOr(s)

	return m.mutate(ctx, workflowID, false, func(cp *WorkflowCheckpoint) error {
		rs := &cp.Metadata.RetryState
		if rs.ConsecutiveFailures == 0 && rs.CircuitState != retry.CircuitHalfOpen {
			return errNoChange
		}
		st.RecordSuccess(rs)
		return nil
	})
}

// ResumeWorkflow implements Store.
//
// The resume point is the newest of the last few history snapshots with
// Step > 0 and status IN_PROGRESS or PENDING; snapshots written while
// failing or resuming are skipped. The resume point never moves Step
// backwards: if the snapshot is behind the current record, the current
// step and data are kept. Errors and retry state always come from the
// current record.
//
// Resuming twice without progress in between yields the same Step and Data.
func (m *Manager) ResumeWorkflow(ctx context.Context, workflowID string, s *retry.Strategy) (*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	st := m.strategyOr(s)

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	cp, err := m.Get(ctx, workflowID, true)
	if err != nil {
		return nil, err
	}
	if cp.Status == StatusCompleted {
		return nil, nil
	}
	if !st.CanRetry(&cp.Metadata.RetryState) {
		return nil, nil
	}

	history, err := m.History(ctx, workflowID, resumeScanDepth)
	if err != nil {
		return nil, err
	}
	for _, h := range history {
		snap := h.Checkpoint
		if snap.Step <= 0 || (snap.Status != StatusInProgress && snap.Status != StatusPending) {
			continue
		}
		if snap.Step >= cp.Step {
			cp.Step = snap.Step
			cp.Data = copyMap(snap.Data)
		}
		break
	}
	if cp.Data == nil {
		cp.Data = map[string]interface{}{}
	}

	cp.Progress = ComputeProgress(cp.Step, cp.TotalSteps)
	cp.Status = StatusResuming
	st.NextAttempt(&cp.Metadata.RetryState)

	if err := m.write(ctx, cp); err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// FindStuckWorkflows implements Store. A threshold <= 0 means
// DefaultStuckThreshold.
func (m *Manager) FindStuckWorkflows(ctx context.Context, threshold time.Duration) ([]*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	cutoff := m.now().Add(-threshold)

	stuck, err := m.primary.List(ctx, ActiveStatuses, cutoff)
	if err != nil && m.fallback != nil {
		m.logger.Warn("primary checkpoint backend list failed, using fallback",
			"backend", m.primary.Name(), "error", err)
		stuck, err = m.fallback.List(ctx, ActiveStatuses, cutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck workflows: %w", err)
	}
	return stuck, nil
}

// SweepStuck marks every workflow stuck for longer than threshold as
// FAILED with ErrInactivity. Returns the IDs swept.
func (m *Manager) SweepStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	stuck, err := m.FindStuckWorkflows(ctx, threshold)
	if err != nil {
		return nil, err
	}

	var ids []string
	var errs []error
	for _, cp := range stuck {
		inactive := retry.WithKind(ErrInactivity, retry.KindTransient)
		if _, err := m.MarkAsError(ctx, cp.WorkflowID, inactive, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cp.WorkflowID, err))
			continue
		}
		m.logger.Warn("marked inactive workflow as failed",
			"workflow_id", cp.WorkflowID, "updated_at", cp.UpdatedAt, "step", cp.Step)
		ids = append(ids, cp.WorkflowID)
	}
	return ids, errors.Join(errs...)
}

// Cleanup implements Store.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)

	removed := make(map[string]bool)
	var errs []error
	for _, b := range m.backends() {
		ids, err := b.Archive(ctx, cutoff)
		if err != nil {
			m.logger.Warn("checkpoint cleanup failed", "backend", b.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		for _, id := range ids {
			removed[id] = true
		}
	}
	if len(errs) == len(m.backends()) {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", errors.Join(errs...))
	}

	m.cacheMu.Lock()
	for id := range removed {
		delete(m.cache, id)
	}
	m.cacheMu.Unlock()

	return len(removed), nil
}

// History implements Store. It falls back to the secondary backend when the
// primary fails or has no history for the workflow.
func (m *Manager) History(ctx context.Context, workflowID string, limit int) ([]HistoryEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	entries, err := m.primary.History(ctx, workflowID, limit)
	if (err != nil || len(entries) == 0) && m.fallback != nil {
		if fb, ferr := m.fallback.History(ctx, workflowID, limit); ferr == nil {
			return fb, nil
		} else if err == nil {
			err = ferr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return entries, nil
}

// Close closes both backends. Later calls return ErrStoreClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, b := range m.backends() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// mutate runs fn on a fresh copy of the checkpoint under the workflow's
// lock and writes the result. COMPLETED checkpoints are rejected.
func (m *Manager) mutate(ctx context.Context, workflowID string, forceRefresh bool, fn func(*WorkflowCheckpoint) error) (*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	cp, err := m.Get(ctx, workflowID, forceRefresh)
	if err != nil {
		return nil, err
	}
	if cp.Status == StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrCompletedImmutable, workflowID)
	}

	if err := fn(cp); err != nil {
		if errors.Is(err, errNoChange) {
			return cp, nil
		}
		return nil, err
	}
	if err := m.write(ctx, cp); err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// write stamps UpdatedAt, saves to every backend and refreshes the cache.
// Callers hold the workflow's lock.
func (m *Manager) write(ctx context.Context, cp *WorkflowCheckpoint) error {
	cp.UpdatedAt = m.now()
	if cp.Metadata.Priority == 0 {
		cp.Metadata.Priority = DefaultPriority
	}

	perr := m.primary.Save(ctx, cp)
	if perr != nil {
		m.logger.Warn("primary checkpoint save failed",
			"workflow_id", cp.WorkflowID, "backend", m.primary.Name(), "error", perr)
	}

	var ferr error
	if m.fallback != nil {
		ferr = m.fallback.Save(ctx, cp)
		if ferr != nil {
			m.logger.Warn("fallback checkpoint save failed",
				"workflow_id", cp.WorkflowID, "backend", m.fallback.Name(), "error", ferr)
		}
	}

	if perr != nil && (m.fallback == nil || ferr != nil) {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.WorkflowID, errors.Join(perr, ferr))
	}

	m.cachePut(cp.Clone())
	return nil
}

// fetch reads from the primary, then the fallback. A checkpoint found only in
// the fallback is written back to the primary.
func (m *Manager) fetch(ctx context.Context, workflowID string) (*WorkflowCheckpoint, error) {
	cp, perr := m.primary.Load(ctx, workflowID)
	if perr == nil {
		return cp, nil
	}
	if m.fallback == nil {
		return nil, perr
	}
	if !errors.Is(perr, ErrNotFound) {
		m.logger.Warn("primary checkpoint load failed, using fallback",
			"workflow_id", workflowID, "backend", m.primary.Name(), "error", perr)
	}

	cp, ferr := m.fallback.Load(ctx, workflowID)
	if ferr != nil {
		if errors.Is(ferr, ErrNotFound) && !errors.Is(perr, ErrNotFound) {
			return nil, perr
		}
		return nil, ferr
	}

	if errors.Is(perr, ErrNotFound) {
		if err := m.primary.Save(ctx, cp); err != nil {
			m.logger.Warn("failed to backfill primary checkpoint backend",
				"workflow_id", workflowID, "backend", m.primary.Name(), "error", err)
		} else {
			m.logger.Info("backfilled checkpoint from fallback",
				"workflow_id", workflowID, "backend", m.primary.Name())
		}
	}
	return cp, nil
}

func (m *Manager) cacheGet(workflowID string) (*WorkflowCheckpoint, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	e, ok := m.cache[workflowID]
	if !ok || !m.now().Before(e.expires) {
		return nil, false
	}
	return e.cp.Clone(), true
}

func (m *Manager) cachePut(cp *WorkflowCheckpoint) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[cp.WorkflowID] = cacheEntry{cp: cp, expires: m.now().Add(m.cacheTTL)}
}

// cacheMerge stores a checkpoint read from a backend unless the cache
// already holds a newer local write, and returns a copy of whichever won.
func (m *Manager) cacheMerge(cp *WorkflowCheckpoint) *WorkflowCheckpoint {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	if e, ok := m.cache[cp.WorkflowID]; ok && e.cp.UpdatedAt.After(cp.UpdatedAt) {
		e.expires = m.now().Add(m.cacheTTL)
		m.cache[cp.WorkflowID] = e
		return e.cp.Clone()
	}
	m.cache[cp.WorkflowID] = cacheEntry{cp: cp, expires: m.now().Add(m.cacheTTL)}
	return cp.Clone()
}

func (m *Manager) backends() []Backend {
	if m.fallback == nil {
		return []Backend{m.primary}
	}
	return []Backend{m.primary, m.fallback}
}

func (m *Manager) strategyOr(s *retry.Strategy) *retry.Strategy {
	if s != nil {
		return s
	}
	return m.strategy
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// ClampPriority limits p to 1..10.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// errorName returns the Go type of the innermost wrapped error.
func errorName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// failedTaskID extracts the task ID from errors that carry one.
func failedTaskID(err error) string {
	var t interface{ FailedTaskID() string }
	if errors.As(err, &t) {
		return t.FailedTaskID()
	}
	return ""
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the key's mutex and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
