// Package migration runs multi-step migration workflows with durable
// progress, error-aware retries and priority admission.
//
// A Coordinator accepts workflows (an ordered list of Tasks), records a
// checkpoint for each, and queues them in a priority scheduler. Admitted
// workflows run on their own goroutine, one task at a time. After every
// task the output is checkpointed; on failure the error is recorded and the
// workflow's retry strategy decides whether to back off and retry the same
// task or fail the workflow. Failed or interrupted workflows can be resumed
// from their last acknowledged step, in the same process or after a
// restart.
//
// Basic usage:
//
//	store, _ := checkpoint.NewManager(checkpoint.NewMemBackend())
//	coord, _ := migration.New(store, migration.WithMaxConcurrent(4))
//	defer coord.Close(context.Background())
//
//	id, err := coord.StartWorkflow(ctx, migration.WorkflowConfig{Name: "pages"}, tasks)
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/migrate-go/migration/checkpoint"
	"github.com/dshills/migrate-go/migration/emit"
	"github.com/dshills/migrate-go/migration/retry"
	"github.com/dshills/migrate-go/migration/scheduler"
)

// Coordinator owns the workflow state machine.
//
// Thread-safety: all methods are safe for concurrent use. At most one
// execution loop exists per workflow ID.
type Coordinator struct {
	store          checkpoint.Store
	sched          *scheduler.PriorityScheduler
	registry       *Registry
	emitter        emit.Emitter
	logger         *slog.Logger
	metrics        *Metrics
	policy         retry.Policy
	stuckThreshold time.Duration
	now            func() time.Time

	baseCtx    context.Context
	cancelAll  context.CancelFunc
	stopAdjust func()
	wg         sync.WaitGroup

	mu        sync.Mutex
	active    map[string]*workflow
	taskCache map[string]cachedTasks
	closed    bool
}

// cachedTasks keeps a workflow's task list for in-process resume.
type cachedTasks struct {
	tasks  []Task
	policy retry.Policy
}

// New creates a Coordinator over store.
func New(store checkpoint.Store, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, &CoordinatorError{Message: "checkpoint store is required", Code: "INVALID_OPTION"}
	}

	var o Options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	o = o.withDefaults()
	if err := o.RetryPolicy.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:          store,
		registry:       o.Registry,
		emitter:        o.Emitter,
		logger:         o.Logger,
		metrics:        o.Metrics,
		policy:         *o.RetryPolicy,
		stuckThreshold: o.StuckThreshold,
		now:            o.Clock,
		baseCtx:        ctx,
		cancelAll:      cancel,
		active:         make(map[string]*workflow),
		taskCache:      make(map[string]cachedTasks),
	}

	c.sched = scheduler.New(o.Scheduler, scheduler.WithLogger(o.Logger), scheduler.WithClock(o.Clock))
	c.sched.OnCapacityChange(func(_, _ int) { c.processQueue() })
	if o.MetricsSource != nil {
		c.stopAdjust = c.sched.Start(ctx, o.MetricsSource)
	}
	c.updateGauges()
	return c, nil
}

// Register adds a workflow definition to the coordinator's registry.
func (c *Coordinator) Register(def Definition) error {
	return c.registry.Register(def)
}

// Registry returns the definition registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// StartWorkflow validates tasks, creates the workflow's checkpoint and
// queues it for admission. It returns the workflow ID without waiting for
// the workflow to run; completion is observed through events or
// GetWorkflowStatus.
//
// When tasks is empty and cfg.Name names a registered definition, the task
// list is built from the definition.
func (c *Coordinator) StartWorkflow(ctx context.Context, cfg WorkflowConfig, tasks []Task) (string, error) {
	if c.isClosed() {
		return "", ErrCoordinatorClosed
	}

	var def *Definition
	if d, ok := c.registry.Get(cfg.Name); ok && cfg.Name != "" {
		def = &d
	}
	if len(tasks) == 0 && def != nil {
		tasks = def.Tasks()
	}
	prepared, err := prepareTasks(tasks)
	if err != nil {
		return "", err
	}

	policy := c.policy
	if def != nil && def.RetryPolicy != nil {
		policy = *def.RetryPolicy
	}
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}
	strategy, err := retry.NewStrategy(policy, retry.WithClock(c.now))
	if err != nil {
		return "", err
	}

	priority := cfg.Priority
	if priority == 0 && def != nil {
		priority = def.Priority
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	wf := newWorkflow(id, cfg.Name, prepared, cfg.Input, strategy)
	if err := c.reserve(wf); err != nil {
		return "", err
	}

	extra := make(map[string]interface{}, len(cfg.Extra)+1)
	for k, v := range cfg.Extra {
		extra[k] = v
	}
	if cfg.Input != nil {
		extra[extraInput] = cfg.Input
	}

	cp, err := c.store.Create(ctx, id, len(prepared), checkpoint.Metadata{
		Priority:     priority,
		WorkflowName: cfg.Name,
		Description:  cfg.Description,
		Extra:        extra,
	}, strategy)
	if err != nil {
		c.release(id)
		return "", fmt.Errorf("failed to create checkpoint for workflow %s: %w", id, err)
	}

	wf.priority = cp.Metadata.Priority
	c.cacheTasks(id, prepared, policy)

	if err := c.sched.Enqueue(id, wf.priority, cfg.DependsOn...); err != nil {
		c.release(id)
		return "", err
	}

	c.logger.Info("workflow submitted",
		"workflow_id", id, "name", cfg.Name, "priority", wf.priority, "tasks", len(prepared))
	c.processQueue()
	return id, nil
}

// StopWorkflow stops an active workflow and records a FATAL stop error.
//
// A queued workflow is removed from the queue and marked FAILED before
// StopWorkflow returns, and WORKFLOW_FAILED is emitted. The stop error is
// FATAL, so a stopped workflow (queued or running) cannot be resumed with
// ResumeWorkflow; start it again under a new ID instead. A running workflow is cancelled; its task sees the
// cancellation through its context and the workflow is marked FAILED when
// the execution loop exits (use Wait to block until then).
func (c *Coordinator) StopWorkflow(ctx context.Context, workflowID, reason string) error {
	c.mu.Lock()
	wf, ok := c.active[workflowID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotActive, workflowID)
	}

	if reason == "" {
		reason = "stopped by request"
	}
	stopErr := retry.WithKind(fmt.Errorf("%w: %s", ErrWorkflowStopped, reason), retry.KindFatal)

	if c.sched.Remove(workflowID) {
		c.release(workflowID)
		wf.markDone()

		_, err := c.store.MarkAsError(ctx, workflowID, stopErr, wf.strategy)
		c.emitFailed(wf, stopErr, 0)
		c.metrics.IncrementOutcome(wf.label(), "stopped")
		c.updateGauges()
		c.logger.Info("stopped queued workflow", "workflow_id", workflowID, "reason", reason)
		if err != nil {
			return fmt.Errorf("failed to record stop of workflow %s: %w", workflowID, err)
		}
		return nil
	}

	wf.requestStop(stopErr)
	c.logger.Info("stopping running workflow", "workflow_id", workflowID, "reason", reason)
	return nil
}

// Wait blocks until the workflow is no longer active or ctx is done.
// It returns immediately for a workflow that is not active.
func (c *Coordinator) Wait(ctx context.Context, workflowID string) error {
	c.mu.Lock()
	wf, ok := c.active[workflowID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-wf.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeWorkflow re-queues a failed or interrupted workflow from its last
// acknowledged step.
//
// It returns false without error when the workflow is already active, is
// COMPLETED, or its retry strategy refuses another attempt. The task list
// comes from this coordinator's cache or, after a restart, from the
// registered definition named in the checkpoint.
func (c *Coordinator) ResumeWorkflow(ctx context.Context, workflowID string) (bool, error) {
	if c.isClosed() {
		return false, ErrCoordinatorClosed
	}
	if c.isActive(workflowID) {
		return false, nil
	}

	cp, err := c.store.Get(ctx, workflowID, true)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return false, err
	}
	if cp.Status == checkpoint.StatusCompleted {
		return false, nil
	}

	tasks, policy, err := c.tasksFor(workflowID, cp.Metadata.WorkflowName)
	if err != nil {
		return false, err
	}
	strategy, err := retry.NewStrategy(policy, retry.WithClock(c.now))
	if err != nil {
		return false, err
	}

	wf := newWorkflow(workflowID, cp.Metadata.WorkflowName, tasks, cp.Metadata.Extra[extraInput], strategy)
	if err := c.reserve(wf); err != nil {
		if errors.Is(err, ErrWorkflowActive) {
			return false, nil
		}
		return false, err
	}

	resumed, err := c.store.ResumeWorkflow(ctx, workflowID, strategy)
	if err != nil || resumed == nil {
		c.release(workflowID)
		if err != nil {
			return false, fmt.Errorf("failed to resume workflow %s: %w", workflowID, err)
		}
		c.logger.Info("workflow not resumable", "workflow_id", workflowID, "status", cp.Status)
		return false, nil
	}
	if resumed.TotalSteps != len(tasks) {
		c.logger.Warn("task count differs from checkpoint",
			"workflow_id", workflowID, "tasks", len(tasks), "total_steps", resumed.TotalSteps)
	}

	wf.priority = resumed.Metadata.Priority
	c.cacheTasks(workflowID, tasks, policy)
	if err := c.sched.Enqueue(workflowID, wf.priority); err != nil {
		c.release(workflowID)
		return false, err
	}

	c.logger.Info("workflow resumed",
		"workflow_id", workflowID, "step", resumed.Step,
		"attempt", resumed.Metadata.RetryState.CurrentAttempt)
	c.processQueue()
	return true, nil
}

// GetWorkflowStatus returns the workflow's state, merging live state for
// active workflows over the persisted checkpoint.
func (c *Coordinator) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	cp, err := c.store.Get(ctx, workflowID, false)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, err
	}

	st := statusFromCheckpoint(cp)
	c.mu.Lock()
	wf := c.active[workflowID]
	c.mu.Unlock()
	if wf != nil {
		wf.overlay(st)
	}
	return st, nil
}

// FindStuckWorkflows returns checkpoints in an active status that have not
// been updated within threshold (the configured stuck threshold when zero)
// and are not running in this coordinator.
func (c *Coordinator) FindStuckWorkflows(ctx context.Context, threshold time.Duration) ([]*checkpoint.WorkflowCheckpoint, error) {
	if threshold <= 0 {
		threshold = c.stuckThreshold
	}
	all, err := c.store.FindStuckWorkflows(ctx, threshold)
	if err != nil {
		return nil, err
	}

	stuck := all[:0]
	for _, cp := range all {
		if !c.isActive(cp.WorkflowID) {
			stuck = append(stuck, cp)
		}
	}
	return stuck, nil
}

// RecoverInterrupted resumes every stuck workflow. It is meant to be called
// at startup, after the process that ran those workflows has gone away.
// Returns the IDs re-queued.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) ([]string, error) {
	stuck, err := c.FindStuckWorkflows(ctx, 0)
	if err != nil {
		return nil, err
	}

	var resumed []string
	var errs []error
	for _, cp := range stuck {
		ok, err := c.ResumeWorkflow(ctx, cp.WorkflowID)
		if err != nil {
			c.logger.Warn("failed to recover workflow", "workflow_id", cp.WorkflowID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", cp.WorkflowID, err))
			continue
		}
		if ok {
			resumed = append(resumed, cp.WorkflowID)
		}
	}
	return resumed, errors.Join(errs...)
}

// Active returns the IDs of queued and running workflows, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SchedulerStatus returns a snapshot of admission control.
func (c *Coordinator) SchedulerStatus() scheduler.Status {
	return c.sched.Status()
}

// Close stops admitting workflows, cancels running ones and waits for their
// execution loops to exit or ctx to be done.
//
// Interrupted workflows keep their last acknowledged checkpoint; a new
// coordinator picks them up with RecoverInterrupted or ResumeWorkflow.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var queued []*workflow
	for _, wf := range c.active {
		if !wf.isRunning() {
			queued = append(queued, wf)
		}
	}
	c.mu.Unlock()

	if c.stopAdjust != nil {
		c.stopAdjust()
	}
	for _, wf := range queued {
		c.sched.Remove(wf.id)
		c.release(wf.id)
		wf.markDone()
	}
	c.cancelAll()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for workflows to stop: %w", ctx.Err())
	}
	c.updateGauges()
	return nil
}

// processQueue admits workflows while the scheduler has capacity.
func (c *Coordinator) processQueue() {
	for {
		id, ok := c.sched.Dequeue()
		if !ok {
			break
		}

		c.mu.Lock()
		wf := c.active[id]
		launch := wf != nil && !c.closed
		if launch {
			c.wg.Add(1)
		}
		c.mu.Unlock()

		if !launch {
			c.sched.MarkCompleted(id, false)
			continue
		}
		go c.run(wf)
	}
	c.updateGauges()
}

// run is the execution loop of one admitted workflow.
func (c *Coordinator) run(wf *workflow) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(c.baseCtx)
	defer cancel()
	wf.start(cancel, c.now())

	succeeded := c.execute(ctx, wf)

	c.sched.MarkCompleted(wf.id, succeeded)
	c.mu.Lock()
	delete(c.active, wf.id)
	if succeeded {
		delete(c.taskCache, wf.id)
	}
	c.mu.Unlock()
	wf.markDone()

	c.processQueue()
}

// execute runs the workflow's tasks from its start point and records the
// terminal state. It reports whether the workflow completed.
func (c *Coordinator) execute(ctx context.Context, wf *workflow) bool {
	cp, err := c.store.Get(ctx, wf.id, true)
	if err != nil {
		return c.fail(ctx, wf, fmt.Errorf("failed to load checkpoint: %w", err), false)
	}

	start, input := 0, wf.input
	if cp.Status == checkpoint.StatusResuming && cp.Step > 0 {
		start = cp.Step
		input = cp.Data[checkpoint.DataLastTaskOutput]
	}
	wf.resumeAt(start)

	c.logger.Info("workflow started",
		"workflow_id", wf.id, "step", start, "total_steps", len(wf.tasks),
		"resumed", cp.Status == checkpoint.StatusResuming)

	for i := start; i < len(wf.tasks); i++ {
		out, recorded, err := c.runTask(ctx, wf, i, input)
		if err != nil {
			return c.fail(ctx, wf, err, recorded)
		}
		input = out
	}

	if _, err := c.store.MarkCompleted(context.WithoutCancel(ctx), wf.id,
		map[string]interface{}{checkpoint.DataFinalOutput: input}); err != nil {
		return c.fail(ctx, wf, fmt.Errorf("failed to mark workflow completed: %w", err), false)
	}

	c.emit(emit.Event{
		Type:       emit.WorkflowCompleted,
		WorkflowID: wf.id,
		Step:       len(wf.tasks),
		Msg:        "workflow completed",
		Meta:       map[string]interface{}{"duration_ms": c.now().Sub(wf.startedAt).Milliseconds()},
	})
	c.metrics.IncrementOutcome(wf.label(), "completed")
	c.logger.Info("workflow completed", "workflow_id", wf.id)
	return true
}

// runTask runs task i until it succeeds, the retry strategy gives up or
// the workflow is cancelled. recorded reports whether the returned error
// is already in the checkpoint's error trail.
func (c *Coordinator) runTask(ctx context.Context, wf *workflow, i int, input interface{}) (out interface{}, recorded bool, err error) {
	task := wf.tasks[i]
	total := len(wf.tasks)
	logger := c.logger.With("workflow_id", wf.id, "task_id", task.ID, "step", i)

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		taskInput := input
		if task.Input != nil {
			taskInput = task.Input
		}

		attempt := wf.beginTask(i, c.now())
		c.emit(emit.Event{Type: emit.TaskStarted, WorkflowID: wf.id, TaskID: task.ID, Step: i, Attempts: attempt})

		tc := &TaskContext{
			WorkflowID: wf.id,
			TaskID:     task.ID,
			Step:       i,
			TotalSteps: total,
			Attempt:    attempt,
			Logger:     logger,
			done:       ctx.Done(),
			store:      c.store,
			emit:       c.emit,
		}

		started := c.now()
		result, taskErr := invoke(ctx, task, taskInput, tc)
		elapsed := c.now().Sub(started)

		if taskErr == nil {
			c.metrics.RecordTaskLatency(wf.label(), task.ID, elapsed, "success")
			if _, err := c.store.RecordSuccess(ctx, wf.id, wf.strategy); err != nil {
				return nil, false, fmt.Errorf("failed to record success of task %s: %w", task.ID, err)
			}
			if _, err := c.store.UpdateProgress(ctx, wf.id, i+1, total,
				map[string]interface{}{checkpoint.DataLastTaskOutput: result}); err != nil {
				return nil, false, fmt.Errorf("failed to checkpoint task %s: %w", task.ID, err)
			}
			wf.endTask(i, TaskCompleted, "", c.now())

			c.emit(emit.Event{Type: emit.CheckpointCreated, WorkflowID: wf.id, TaskID: task.ID, Step: i + 1})
			c.emit(emit.Event{
				Type:       emit.TaskCompleted,
				WorkflowID: wf.id,
				TaskID:     task.ID,
				Step:       i,
				Attempts:   attempt,
				Meta:       map[string]interface{}{"duration_ms": elapsed.Milliseconds()},
			})
			return result, false, nil
		}

		c.metrics.RecordTaskLatency(wf.label(), task.ID, elapsed, "error")
		if ctx.Err() != nil {
			wf.endTask(i, TaskFailed, taskErr.Error(), c.now())
			return nil, false, ctx.Err()
		}

		kind := retry.Classify(taskErr)
		terr := &TaskError{TaskID: task.ID, Step: i, Kind: kind, Cause: taskErr}
		cp, err := c.store.MarkAsError(ctx, wf.id, retry.WithKind(terr, kind), wf.strategy)
		if err != nil {
			wf.endTask(i, TaskFailed, taskErr.Error(), c.now())
			return nil, false, fmt.Errorf("%w (failed to record error: %v)", terr, err)
		}

		if cp.Metadata.RetryState.CircuitState == retry.CircuitOpen {
			c.metrics.IncrementCircuitOpen(wf.label())
		}

		cp, ok, err := c.store.CanRetry(ctx, wf.id, wf.strategy)
		if err != nil {
			wf.endTask(i, TaskFailed, taskErr.Error(), c.now())
			return nil, true, fmt.Errorf("%w (failed to check retry state: %v)", terr, err)
		}
		rs := cp.Metadata.RetryState
		terr.Attempt = rs.CurrentAttempt

		if !ok {
			wf.endTask(i, TaskFailed, taskErr.Error(), c.now())
			c.emit(emit.Event{
				Type:       emit.TaskFailed,
				WorkflowID: wf.id,
				TaskID:     task.ID,
				Step:       i,
				Error:      taskErr.Error(),
				Kind:       string(kind),
				Attempts:   rs.CurrentAttempt,
			})
			logger.Warn("task failed", "attempt", rs.CurrentAttempt, "kind", kind,
				"circuit", rs.CircuitState, "error", taskErr)
			return nil, true, terr
		}

		delay := wf.strategy.WaitDuration(&rs)
		wf.endTask(i, TaskRetrying, taskErr.Error(), c.now())
		c.emit(emit.Event{
			Type:       emit.TaskRetrying,
			WorkflowID: wf.id,
			TaskID:     task.ID,
			Step:       i,
			Error:      taskErr.Error(),
			Kind:       string(kind),
			Attempts:   rs.CurrentAttempt,
			DelayMs:    delay.Milliseconds(),
		})
		c.metrics.IncrementRetries(wf.label(), task.ID, string(kind))
		logger.Info("retrying task", "attempt", rs.CurrentAttempt, "kind", kind, "delay", delay, "error", taskErr)

		if err := sleepCtx(ctx, delay); err != nil {
			return nil, false, err
		}
	}
}

// fail records the workflow's terminal failure and reports false.
//
// Errors already recorded by the task loop are not appended again. A
// cancellation caused by StopWorkflow is recorded as the stop error; one
// caused by Close leaves the checkpoint untouched so the workflow can be
// recovered.
func (c *Coordinator) fail(ctx context.Context, wf *workflow, err error, recorded bool) bool {
	if ctx.Err() != nil {
		stopErr := wf.stopCause()
		if stopErr == nil {
			c.logger.Info("workflow interrupted by shutdown", "workflow_id", wf.id)
			return false
		}
		err, recorded = stopErr, false
	}

	attempts := 0
	if !recorded {
		cp, merr := c.store.MarkAsError(context.WithoutCancel(ctx), wf.id, err, wf.strategy)
		if merr != nil {
			c.logger.Error("failed to record workflow failure",
				"workflow_id", wf.id, "error", merr, "cause", err)
		} else {
			attempts = cp.Metadata.RetryState.CurrentAttempt
		}
	} else {
		var terr *TaskError
		if errors.As(err, &terr) {
			attempts = terr.Attempt
		}
	}

	c.emitFailed(wf, err, attempts)
	if errors.Is(err, ErrWorkflowStopped) {
		c.metrics.IncrementOutcome(wf.label(), "stopped")
	} else {
		c.metrics.IncrementOutcome(wf.label(), "failed")
	}
	c.logger.Error("workflow failed", "workflow_id", wf.id, "kind", retry.Classify(err), "error", err)
	return false
}

func (c *Coordinator) emitFailed(wf *workflow, err error, attempts int) {
	wf.mu.Lock()
	step := wf.step
	wf.mu.Unlock()

	c.emit(emit.Event{
		Type:       emit.WorkflowFailed,
		WorkflowID: wf.id,
		Step:       step,
		Error:      err.Error(),
		Kind:       string(retry.Classify(err)),
		Attempts:   attempts,
		Msg:        "workflow failed",
	})
}

func (c *Coordinator) emit(e emit.Event) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.emitter.Emit(e)
}

// reserve claims workflowID for wf. It fails if the ID is active.
func (c *Coordinator) reserve(wf *workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	if _, ok := c.active[wf.id]; ok {
		return fmt.Errorf("%w: %s", ErrWorkflowActive, wf.id)
	}
	c.active[wf.id] = wf
	return nil
}

func (c *Coordinator) release(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, workflowID)
}

func (c *Coordinator) isActive(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[workflowID]
	return ok
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) cacheTasks(workflowID string, tasks []Task, policy retry.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskCache[workflowID] = cachedTasks{tasks: tasks, policy: policy}
}

// tasksFor returns the task list and retry policy for resuming a workflow.
func (c *Coordinator) tasksFor(workflowID, name string) ([]Task, retry.Policy, error) {
	c.mu.Lock()
	cached, ok := c.taskCache[workflowID]
	c.mu.Unlock()
	if ok {
		return cached.tasks, cached.policy, nil
	}

	if name == "" {
		return nil, retry.Policy{}, fmt.Errorf("%w: workflow %s has no definition name", ErrDefinitionNotFound, workflowID)
	}
	tasks, def, err := c.registry.build(name)
	if err != nil {
		return nil, retry.Policy{}, err
	}
	policy := c.policy
	if def.RetryPolicy != nil {
		policy = *def.RetryPolicy
	}
	return tasks, policy, nil
}

func (c *Coordinator) updateGauges() {
	if c.metrics == nil {
		return
	}
	st := c.sched.Status()
	c.metrics.UpdateScheduler(st.Running, st.Waiting, st.MaxConcurrent)
}

// invoke runs one task attempt, applying its timeout and converting a
// panic into a FATAL error.
func invoke(ctx context.Context, task Task, input interface{}, tc *TaskContext) (out interface{}, err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = retry.WithKind(fmt.Errorf("task %s panicked: %v", task.ID, r), retry.KindFatal)
		}
	}()
	return task.Execute(ctx, input, tc)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
