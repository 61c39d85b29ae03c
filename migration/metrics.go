package migration

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes coordinator activity to Prometheus.
//
// Metrics exposed (all namespaced with "migration_"):
//
//   - workflows_running (gauge): workflows holding a scheduler slot.
//   - workflows_queued (gauge): workflows waiting for admission.
//   - max_concurrent_workflows (gauge): current global admission bound.
//   - task_latency_ms (histogram): task attempt duration.
//     Labels: workflow, task, status (success/error).
//   - task_retries_total (counter): retries scheduled. Labels: workflow, task, kind.
//   - workflow_outcomes_total (counter): terminal outcomes.
//     Labels: workflow, outcome (completed/failed/stopped).
//   - circuit_open_total (counter): failures that left the breaker OPEN.
//     Labels: workflow.
//
// The workflow label is the definition name, not the workflow ID, to keep
// cardinality bounded.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	coord, _ := migration.New(store, migration.WithMetrics(migration.NewMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	running       prometheus.Gauge
	queued        prometheus.Gauge
	maxConcurrent prometheus.Gauge

	taskLatency *prometheus.HistogramVec

	retries     *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	circuitOpen *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers the coordinator metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,

		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "migration",
			Name:      "workflows_running",
			Help:      "Workflows currently holding a scheduler slot",
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "migration",
			Name:      "workflows_queued",
			Help:      "Workflows waiting for admission",
		}),
		maxConcurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "migration",
			Name:      "max_concurrent_workflows",
			Help:      "Current global admission bound of the scheduler",
		}),
		taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "migration",
			Name:      "task_latency_ms",
			Help:      "Task attempt duration in milliseconds",
			Buckets:   []float64{1, 10, 100, 500, 1000, 5000, 30000, 120000, 600000},
		}, []string{"workflow", "task", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migration",
			Name:      "task_retries_total",
			Help:      "Task retries scheduled, by error kind",
		}, []string{"workflow", "task", "kind"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migration",
			Name:      "workflow_outcomes_total",
			Help:      "Terminal workflow outcomes",
		}, []string{"workflow", "outcome"}),
		circuitOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migration",
			Name:      "circuit_open_total",
			Help:      "Failed attempts that left the workflow's circuit breaker open",
		}, []string{"workflow"}),
	}
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RecordTaskLatency observes one task attempt.
func (m *Metrics) RecordTaskLatency(workflow, task string, latency time.Duration, status string) {
	if !m.on() {
		return
	}
	m.taskLatency.WithLabelValues(workflow, task, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a scheduled retry.
func (m *Metrics) IncrementRetries(workflow, task, kind string) {
	if !m.on() {
		return
	}
	m.retries.WithLabelValues(workflow, task, kind).Inc()
}

// IncrementOutcome counts a terminal outcome.
func (m *Metrics) IncrementOutcome(workflow, outcome string) {
	if !m.on() {
		return
	}
	m.outcomes.WithLabelValues(workflow, outcome).Inc()
}

// IncrementCircuitOpen counts a failure that left the breaker OPEN.
func (m *Metrics) IncrementCircuitOpen(workflow string) {
	if !m.on() {
		return
	}
	m.circuitOpen.WithLabelValues(workflow).Inc()
}

// UpdateScheduler sets the running, queued and bound gauges.
func (m *Metrics) UpdateScheduler(running, queued, maxConcurrent int) {
	if !m.on() {
		return
	}
	m.running.Set(float64(running))
	m.queued.Set(float64(queued))
	m.maxConcurrent.Set(float64(maxConcurrent))
}

// Disable stops recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
