package retry

import (
	"math/rand"
	"sync"
	"time"
)

// CircuitState is the state of a workflow's circuit breaker.
type CircuitState string

const (
	// CircuitClosed allows retries.
	CircuitClosed CircuitState = "CLOSED"

	// CircuitOpen blocks retries until the reset timeout elapses.
	CircuitOpen CircuitState = "OPEN"

	// CircuitHalfOpen allows a trial attempt; a success closes the breaker,
	// a failure reopens it.
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// State is the retry bookkeeping of one workflow.
//
// It is stored inside the checkpoint metadata and mutated in place by
// Strategy. Limits (MaxAttempts, delays) are copied from the Policy when the
// workflow is created so a resumed workflow keeps the limits it started with.
//
// Invariant: CurrentAttempt <= MaxAttempts.
type State struct {
	CurrentAttempt      int           `json:"currentAttempt"`
	MaxAttempts         int           `json:"maxAttempts"`
	InitialDelay        time.Duration `json:"initialDelay"`
	MaxDelay            time.Duration `json:"maxDelay"`
	BackoffCoefficient  float64       `json:"backoffCoefficient"`
	JitterMax           time.Duration `json:"jitterMax"`
	CircuitState        CircuitState  `json:"circuitState"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	HalfOpenSuccesses   int           `json:"halfOpenSuccesses"`
	LastStateChangeTime time.Time     `json:"lastStateChangeTime"`
	FirstAttemptTime    time.Time     `json:"firstAttemptTime"`
	NextRetryTime       time.Time     `json:"nextRetryTime"`
	CurrentDelay        time.Duration `json:"currentDelay"`
	LastKind            Kind          `json:"lastKind,omitempty"`
}

// NewState returns the initial retry state for policy p at time now.
func NewState(p Policy, now time.Time) State {
	return State{
		MaxAttempts:         p.MaxAttempts,
		InitialDelay:        p.InitialDelay,
		MaxDelay:            p.MaxDelay,
		BackoffCoefficient:  p.BackoffCoefficient,
		JitterMax:           p.JitterMax,
		CircuitState:        CircuitClosed,
		LastStateChangeTime: now,
	}
}

// Strategy applies a Policy to workflow retry State.
//
// A Strategy holds no per-workflow data itself; the breaker and attempt
// counters live in the State passed to each call. Callers must serialize
// calls for the same State (the checkpoint manager does so with its
// per-workflow lock). Strategy methods are safe for concurrent use across
// different States.
type Strategy struct {
	policy Policy
	now    func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// StrategyOption configures a Strategy.
type StrategyOption func(*Strategy)

// WithClock replaces time.Now. Tests use it to step through breaker cooldowns.
func WithClock(now func() time.Time) StrategyOption {
	return func(s *Strategy) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRand sets the jitter source. Use a seeded source for reproducible delays.
func WithRand(rng *rand.Rand) StrategyOption {
	return func(s *Strategy) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// NewStrategy creates a Strategy for p. The policy is validated.
func NewStrategy(p Policy, opts ...StrategyOption) (*Strategy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Strategy{
		policy: p,
		now:    time.Now,
		// #nosec G404 -- jitter for retry timing, not security
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Policy returns the strategy's policy.
func (s *Strategy) Policy() Policy { return s.policy }

// NewState returns an initial State for this strategy's policy.
func (s *Strategy) NewState() State { return NewState(s.policy, s.now()) }

// CanRetry reports whether another attempt is allowed.
//
// It returns false when:
//   - the breaker is OPEN and ResetTimeout has not elapsed since it opened
//   - CurrentAttempt has reached MaxAttempts (or UnknownMaxAttempts while
//     the last error is UNKNOWN)
//   - Policy.Timeout has elapsed since the first failed attempt
//   - the last error's kind is not retryable
//
// An OPEN breaker whose cooldown has elapsed moves to HALF_OPEN as a side
// effect, before the remaining checks run.
func (s *Strategy) CanRetry(st *State) bool {
	now := s.now()

	if st.CircuitState == CircuitOpen {
		if now.Before(st.LastStateChangeTime.Add(s.policy.CircuitBreaker.ResetTimeout)) {
			return false
		}
		st.CircuitState = CircuitHalfOpen
		st.HalfOpenSuccesses = 0
		st.LastStateChangeTime = now
	}

	if st.CurrentAttempt >= st.MaxAttempts {
		return false
	}
	if st.LastKind == KindUnknown && s.policy.UnknownMaxAttempts > 0 && st.CurrentAttempt >= s.policy.UnknownMaxAttempts {
		return false
	}
	if s.policy.Timeout > 0 && !st.FirstAttemptTime.IsZero() && now.Sub(st.FirstAttemptTime) >= s.policy.Timeout {
		return false
	}
	if st.LastKind != "" && !s.policy.IsRetryable(st.LastKind) {
		return false
	}
	return true
}

// Update records a failed attempt caused by err and returns its kind.
//
// It increments CurrentAttempt (capped at MaxAttempts) and
// ConsecutiveFailures, trips the breaker when the failure threshold is
// reached (or immediately from HALF_OPEN), and schedules NextRetryTime.
func (s *Strategy) Update(st *State, err error) Kind {
	now := s.now()
	kind := Classify(err)

	if st.FirstAttemptTime.IsZero() {
		st.FirstAttemptTime = now
	}
	if st.CurrentAttempt < st.MaxAttempts {
		st.CurrentAttempt++
	}
	st.ConsecutiveFailures++
	st.LastKind = kind

	switch st.CircuitState {
	case CircuitHalfOpen:
		st.CircuitState = CircuitOpen
		st.HalfOpenSuccesses = 0
		st.LastStateChangeTime = now
	case CircuitOpen:
		// Already open; cooldown keeps counting from when it opened.
	default:
		if st.ConsecutiveFailures >= s.policy.CircuitBreaker.FailureThreshold {
			st.CircuitState = CircuitOpen
			st.LastStateChangeTime = now
		}
	}

	delay := Backoff(st.CurrentAttempt, st.InitialDelay, st.MaxDelay, st.BackoffCoefficient)
	delay += s.jitter(st.JitterMax)
	if kind == KindConcurrency {
		delay += s.jitter(s.policy.ConcurrencyJitter)
	}
	st.CurrentDelay = delay
	st.NextRetryTime = now.Add(delay)

	return kind
}

// RecordSuccess resets the consecutive failure count and, in HALF_OPEN,
// closes the breaker once enough successes have accumulated.
//
// CurrentAttempt is not reset: the attempt budget spans the whole workflow.
func (s *Strategy) RecordSuccess(st *State) {
	st.ConsecutiveFailures = 0
	if st.CircuitState != CircuitHalfOpen {
		return
	}
	st.HalfOpenSuccesses++
	if st.HalfOpenSuccesses >= s.policy.CircuitBreaker.HalfOpenSuccessThreshold {
		st.CircuitState = CircuitClosed
		st.HalfOpenSuccesses = 0
		st.LastStateChangeTime = s.now()
	}
}

// NextAttempt marks the start of a resumed run: the attempt counter advances
// so a resume consumes budget like a retry does.
func (s *Strategy) NextAttempt(st *State) {
	if st.CurrentAttempt < st.MaxAttempts {
		st.CurrentAttempt++
	}
}

// WaitDuration returns how long to wait before the next attempt, never negative.
func (s *Strategy) WaitDuration(st *State) time.Duration {
	d := st.NextRetryTime.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Strategy) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(max)))
}
