package migration

import (
	"log/slog"
	"time"

	"github.com/dshills/migrate-go/migration/emit"
	"github.com/dshills/migrate-go/migration/retry"
	"github.com/dshills/migrate-go/migration/scheduler"
)

// Options configures a Coordinator. Zero values take defaults.
type Options struct {
	// Scheduler configures admission control.
	Scheduler scheduler.Config

	// RetryPolicy is used for workflows without their own policy.
	// Default: retry.DefaultPolicy().
	RetryPolicy *retry.Policy

	// StuckThreshold is the inactivity window used by FindStuckWorkflows
	// when the caller passes zero, and by RecoverInterrupted.
	// Default: 30 minutes.
	StuckThreshold time.Duration

	// MetricsSource feeds the scheduler's capacity adjustment loop. When
	// nil the admission bound stays fixed.
	MetricsSource scheduler.MetricsSource

	// Emitter receives lifecycle events. Default: emit.NullEmitter.
	Emitter emit.Emitter

	// Logger is used for operational logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records Prometheus metrics. Nil disables metrics.
	Metrics *Metrics

	// Registry resolves definitions. Default: a new empty Registry.
	Registry *Registry

	// Clock replaces time.Now. Default: time.Now.
	Clock func() time.Time
}

// Option is a functional option for configuring a Coordinator.
//
// Example:
//
//	coord, err := migration.New(store,
//	    migration.WithMaxConcurrent(10),
//	    migration.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    migration.WithLogger(logger),
//	)
type Option func(*Options) error

// WithSchedulerConfig replaces the scheduler configuration.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(o *Options) error {
		o.Scheduler = cfg
		return nil
	}
}

// WithMaxConcurrent sets the initial global admission bound.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return &CoordinatorError{Message: "max concurrent workflows must be >= 1", Code: "INVALID_OPTION"}
		}
		o.Scheduler.MaxConcurrentWorkflows = n
		return nil
	}
}

// WithMaxConcurrentPerPriority bounds running workflows of one priority.
func WithMaxConcurrentPerPriority(n int) Option {
	return func(o *Options) error {
		o.Scheduler.MaxConcurrentPerPriority = n
		return nil
	}
}

// WithRetryPolicy sets the default retry policy. The policy is validated.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Options) error {
		if err := p.Validate(); err != nil {
			return err
		}
		o.RetryPolicy = &p
		return nil
	}
}

// WithStuckThreshold sets the inactivity window for stuck detection.
func WithStuckThreshold(d time.Duration) Option {
	return func(o *Options) error {
		o.StuckThreshold = d
		return nil
	}
}

// WithMetricsSource enables dynamic admission adjustment from source.
func WithMetricsSource(source scheduler.MetricsSource) Option {
	return func(o *Options) error {
		o.MetricsSource = source
		return nil
	}
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) error {
		o.Emitter = e
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) error {
		o.Logger = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}

// WithRegistry shares a definition registry between coordinators.
func WithRegistry(r *Registry) Option {
	return func(o *Options) error {
		o.Registry = r
		return nil
	}
}

// WithClock replaces time.Now for retry scheduling and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) error {
		o.Clock = now
		return nil
	}
}

func (o Options) withDefaults() Options {
	if o.RetryPolicy == nil {
		p := retry.DefaultPolicy()
		o.RetryPolicy = &p
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 30 * time.Minute
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
