// Package scheduler provides admission control for migration workflows.
//
// A PriorityScheduler holds waiting workflows in a priority queue and admits
// them while the global and per-priority concurrency bounds allow. The
// global bound can be adjusted from system resource samples (see Start and
// Adjust).
//
// The scheduler tracks slot occupancy only. It never runs workflows itself:
// callers Dequeue an ID, run it, and report back with MarkCompleted.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxConcurrentWorkflows is the initial global admission bound.
	DefaultMaxConcurrentWorkflows = 5

	// DefaultAdjustInterval is how often Start samples system metrics.
	DefaultAdjustInterval = 30 * time.Second

	// DefaultCPUThreshold is the CPU percentage treated as full utilization.
	DefaultCPUThreshold = 80.0

	// DefaultMemoryThreshold is the memory percentage treated as full
	// utilization.
	DefaultMemoryThreshold = 85.0

	// DefaultLoadThreshold is the 1-minute load average treated as full
	// utilization.
	DefaultLoadThreshold = 3.0

	// DefaultOutcomeRetention is how many finished workflow outcomes are
	// kept for dependency gating.
	DefaultOutcomeRetention = 1000

	// Utilization ratios that trigger a decrease or an increase of the
	// global bound.
	highWatermark = 0.9
	lowWatermark  = 0.7

	minPriority = 1
	maxPriority = 10
)

var (
	// ErrAlreadyQueued is returned by Enqueue for an ID that is waiting.
	ErrAlreadyQueued = errors.New("workflow already queued")

	// ErrAlreadyRunning is returned by Enqueue for an ID holding a slot.
	ErrAlreadyRunning = errors.New("workflow already running")
)

// Config configures a PriorityScheduler. Zero values take the defaults.
type Config struct {
	// MaxConcurrentWorkflows is the initial global bound.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows" json:"maxConcurrentWorkflows"`

	// MaxConcurrentPerPriority bounds running workflows of one priority.
	// Zero means unbounded.
	MaxConcurrentPerPriority int `yaml:"max_concurrent_per_priority" json:"maxConcurrentPerPriority"`

	// MaxConcurrentCeiling caps dynamic increases. Zero means no cap.
	MaxConcurrentCeiling int `yaml:"max_concurrent_ceiling" json:"maxConcurrentCeiling"`

	AdjustInterval  time.Duration `yaml:"adjust_interval" json:"adjustInterval"`
	CPUThreshold    float64       `yaml:"cpu_threshold" json:"cpuThreshold"`
	MemoryThreshold float64       `yaml:"memory_threshold" json:"memoryThreshold"`
	LoadThreshold   float64       `yaml:"load_threshold" json:"loadThreshold"`

	// OutcomeRetention bounds the finished outcomes kept for dependency
	// gating. The oldest are dropped first, except those a waiting entry
	// depends on. A workflow enqueued after its dependency's outcome was
	// dropped waits until that dependency runs again.
	OutcomeRetention int `yaml:"outcome_retention" json:"outcomeRetention"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkflows: DefaultMaxConcurrentWorkflows,
		AdjustInterval:         DefaultAdjustInterval,
		CPUThreshold:           DefaultCPUThreshold,
		MemoryThreshold:        DefaultMemoryThreshold,
		LoadThreshold:          DefaultLoadThreshold,
		OutcomeRetention:       DefaultOutcomeRetention,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = d.MaxConcurrentWorkflows
	}
	if c.MaxConcurrentPerPriority < 0 {
		c.MaxConcurrentPerPriority = 0
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = d.AdjustInterval
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = d.CPUThreshold
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = d.LoadThreshold
	}
	if c.OutcomeRetention <= 0 {
		c.OutcomeRetention = d.OutcomeRetention
	}
	return c
}

// Entry is a workflow waiting for admission.
type Entry struct {
	WorkflowID string
	Priority   int
	EnqueuedAt time.Time
	DependsOn  []string

	seq uint64
}

// entryHeap orders entries by priority descending, then enqueue order.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Waiting           int         `json:"waiting"`
	Running           int         `json:"running"`
	Completed         int         `json:"completed"` // MarkCompleted calls since New
	Failed            int         `json:"failed"`
	MaxConcurrent     int         `json:"maxConcurrent"`
	RunningByPriority map[int]int `json:"runningByPriority"`
	LastSample        *Sample     `json:"lastSample,omitempty"`
}

// PriorityScheduler is a bounded priority admission queue.
//
// Thread-safety: all methods are safe for concurrent use.
type PriorityScheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	queue         entryHeap
	queued        map[string]*Entry
	running       map[string]int // workflowID -> priority
	byPriority    map[int]int
	outcomes      map[string]bool // workflowID -> succeeded
	outcomeOrder  []string        // oldest first
	completed     int
	failed        int
	maxConcurrent int
	seq           uint64
	lastSample    *Sample
	onCapacity    []func(oldMax, newMax int)
}

// Option configures a PriorityScheduler.
type Option func(*PriorityScheduler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *PriorityScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *PriorityScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a PriorityScheduler.
func New(cfg Config, opts ...Option) *PriorityScheduler {
	cfg = cfg.withDefaults()
	s := &PriorityScheduler{
		cfg:           cfg,
		logger:        slog.Default(),
		now:           time.Now,
		queued:        make(map[string]*Entry),
		running:       make(map[string]int),
		byPriority:    make(map[int]int),
		outcomes:      make(map[string]bool),
		maxConcurrent: cfg.MaxConcurrentWorkflows,
	}
	heap.Init(&s.queue)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *PriorityScheduler) Config() Config { return s.cfg }

// Enqueue adds a workflow to the waiting queue. Priority is clamped to
// 1..10. The workflow is not admitted until every ID in dependsOn has been
// marked completed successfully.
func (s *PriorityScheduler) Enqueue(workflowID string, priority int, dependsOn ...string) error {
	if workflowID == "" {
		return errors.New("scheduler: workflow ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[workflowID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, workflowID)
	}
	if _, ok := s.running[workflowID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, workflowID)
	}

	s.seq++
	e := &Entry{
		WorkflowID: workflowID,
		Priority:   clamp(priority),
		EnqueuedAt: s.now(),
		DependsOn:  append([]string(nil), dependsOn...),
		seq:        s.seq,
	}
	heap.Push(&s.queue, e)
	s.queued[workflowID] = e
	s.forgetOutcome(workflowID)
	return nil
}

// Dequeue admits the next eligible workflow and returns its ID. It returns
// false when the global bound is reached or no waiting workflow is eligible.
//
// An entry is eligible when its priority tier is below
// MaxConcurrentPerPriority and all of its dependencies completed
// successfully. Ineligible entries keep their place in the queue.
func (s *PriorityScheduler) Dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.running) >= s.maxConcurrent {
		return "", false
	}

	var skipped []*Entry
	defer func() {
		for _, e := range skipped {
			heap.Push(&s.queue, e)
		}
	}()

	for s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*Entry)
		if !s.eligible(e) {
			skipped = append(skipped, e)
			continue
		}
		delete(s.queued, e.WorkflowID)
		s.running[e.WorkflowID] = e.Priority
		s.byPriority[e.Priority]++
		return e.WorkflowID, true
	}
	return "", false
}

// eligible reports whether e may be admitted. Callers hold s.mu.
func (s *PriorityScheduler) eligible(e *Entry) bool {
	if s.cfg.MaxConcurrentPerPriority > 0 && s.byPriority[e.Priority] >= s.cfg.MaxConcurrentPerPriority {
		return false
	}
	for _, dep := range e.DependsOn {
		if !s.outcomes[dep] {
			return false
		}
	}
	return true
}

// MarkCompleted frees the slot held by workflowID. succeeded is recorded
// for dependency gating only. Callers should Dequeue again afterwards.
// Returns false if the workflow was not running.
func (s *PriorityScheduler) MarkCompleted(workflowID string, succeeded bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.running[workflowID]
	if !ok {
		return false
	}
	delete(s.running, workflowID)
	s.byPriority[p]--
	if s.byPriority[p] <= 0 {
		delete(s.byPriority, p)
	}
	if succeeded {
		s.completed++
	} else {
		s.failed++
	}
	s.forgetOutcome(workflowID)
	s.outcomes[workflowID] = succeeded
	s.outcomeOrder = append(s.outcomeOrder, workflowID)
	s.pruneOutcomes()
	return true
}

// forgetOutcome drops workflowID's outcome. Callers hold s.mu.
func (s *PriorityScheduler) forgetOutcome(workflowID string) {
	if _, ok := s.outcomes[workflowID]; !ok {
		return
	}
	delete(s.outcomes, workflowID)
	for i, id := range s.outcomeOrder {
		if id == workflowID {
			s.outcomeOrder = append(s.outcomeOrder[:i], s.outcomeOrder[i+1:]...)
			break
		}
	}
}

// pruneOutcomes drops the oldest outcomes beyond OutcomeRetention that no
// waiting entry depends on. Callers hold s.mu.
func (s *PriorityScheduler) pruneOutcomes() {
	excess := len(s.outcomeOrder) - s.cfg.OutcomeRetention
	if excess <= 0 {
		return
	}

	needed := make(map[string]bool)
	for _, e := range s.queue {
		for _, dep := range e.DependsOn {
			needed[dep] = true
		}
	}

	kept := s.outcomeOrder[:0]
	for _, id := range s.outcomeOrder {
		if excess > 0 && !needed[id] {
			delete(s.outcomes, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.outcomeOrder = kept
}

// Remove drops a waiting workflow. Returns false if it was not queued.
func (s *PriorityScheduler) Remove(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queued[workflowID]
	if !ok {
		return false
	}
	delete(s.queued, workflowID)
	for i, q := range s.queue {
		if q == e {
			heap.Remove(&s.queue, i)
			break
		}
	}
	return true
}

// IsRunning reports whether workflowID holds a slot.
func (s *PriorityScheduler) IsRunning(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[workflowID]
	return ok
}

// IsQueued reports whether workflowID is waiting for admission.
func (s *PriorityScheduler) IsQueued(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[workflowID]
	return ok
}

// Waiting returns the queued entries in admission order.
func (s *PriorityScheduler) Waiting() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make(entryHeap, len(s.queue))
	copy(sorted, s.queue)
	out := make([]Entry, 0, len(sorted))
	for sorted.Len() > 0 {
		e := heap.Pop(&sorted).(*Entry)
		c := *e
		c.DependsOn = append([]string(nil), e.DependsOn...)
		out = append(out, c)
	}
	return out
}

// MaxConcurrent returns the current global bound.
func (s *PriorityScheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// Status returns a snapshot of the scheduler.
func (s *PriorityScheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Waiting:           s.queue.Len(),
		Running:           len(s.running),
		Completed:         s.completed,
		Failed:            s.failed,
		MaxConcurrent:     s.maxConcurrent,
		RunningByPriority: make(map[int]int, len(s.byPriority)),
	}
	for p, n := range s.byPriority {
		st.RunningByPriority[p] = n
	}
	if s.lastSample != nil {
		sample := *s.lastSample
		st.LastSample = &sample
	}
	return st
}

// OnCapacityChange registers fn to be called after Adjust changes the
// global bound. fn runs on the adjusting goroutine without locks held.
func (s *PriorityScheduler) OnCapacityChange(fn func(oldMax, newMax int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCapacity = append(s.onCapacity, fn)
}

// Utilization returns the worst of the CPU, memory and load ratios against
// the configured thresholds.
func (s *PriorityScheduler) Utilization(sample Sample) float64 {
	ratio := sample.CPUPercent / s.cfg.CPUThreshold
	if r := sample.MemoryPercent / s.cfg.MemoryThreshold; r > ratio {
		ratio = r
	}
	if r := sample.LoadAverage / s.cfg.LoadThreshold; r > ratio {
		ratio = r
	}
	return ratio
}

// Adjust applies one step of the capacity control loop to sample and
// returns the new global bound.
//
// A ratio above 0.9 lowers the bound by one (never below 1). A ratio below
// 0.7 raises it by one when workflows are waiting, up to
// MaxConcurrentCeiling.
func (s *PriorityScheduler) Adjust(sample Sample) int {
	ratio := s.Utilization(sample)

	s.mu.Lock()
	old := s.maxConcurrent
	s.lastSample = &sample
	switch {
	case ratio > highWatermark && s.maxConcurrent > 1:
		s.maxConcurrent--
	case ratio < lowWatermark && s.queue.Len() > 0:
		if s.cfg.MaxConcurrentCeiling == 0 || s.maxConcurrent < s.cfg.MaxConcurrentCeiling {
			s.maxConcurrent++
		}
	}
	updated := s.maxConcurrent
	callbacks := append([]func(int, int){}, s.onCapacity...)
	s.mu.Unlock()

	if updated != old {
		s.logger.Info("adjusted workflow concurrency",
			"old_max", old, "new_max", updated, "utilization", ratio,
			"cpu_percent", sample.CPUPercent, "memory_percent", sample.MemoryPercent,
			"load_average", sample.LoadAverage)
		for _, fn := range callbacks {
			fn(old, updated)
		}
	}
	return updated
}

// Start polls source every AdjustInterval and calls Adjust with each
// sample until ctx is done or stop is called. stop waits for the loop to
// exit.
func (s *PriorityScheduler) Start(ctx context.Context, source MetricsSource) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.AdjustInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample, err := source.Sample(ctx)
				if err != nil {
					s.logger.Warn("failed to sample system metrics", "error", err)
					continue
				}
				s.Adjust(sample)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func clamp(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}
