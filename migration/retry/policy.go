package retry

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidPolicy is returned by Policy.Validate when a field is out of range.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// CircuitBreakerPolicy configures the per-workflow circuit breaker.
type CircuitBreakerPolicy struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from CLOSED to OPEN.
	FailureThreshold int `yaml:"failure_threshold" json:"failureThreshold"`

	// ResetTimeout is how long the breaker stays OPEN before a retry is
	// allowed again (HALF_OPEN).
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"resetTimeout"`

	// HalfOpenSuccessThreshold is the number of successes in HALF_OPEN needed
	// to close the breaker.
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold" json:"halfOpenSuccessThreshold"`
}

// Policy configures retry behavior for a workflow.
//
// The zero value is not usable; start from DefaultPolicy and override fields.
//
// Backoff before attempt n+1 (after the n-th failure) is:
//
//	min(InitialDelay * BackoffCoefficient^(n-1), MaxDelay) + U(0, JitterMax)
//
// CONCURRENCY errors add a further U(0, ConcurrencyJitter).
type Policy struct {
	// MaxAttempts bounds the attempts recorded for one workflow.
	MaxAttempts int `yaml:"max_attempts" json:"maxAttempts"`

	// InitialDelay is the backoff after the first failure.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initialDelay"`

	// MaxDelay caps the exponential component.
	MaxDelay time.Duration `yaml:"max_delay" json:"maxDelay"`

	// BackoffCoefficient is the exponential growth factor. Must be >= 1.
	BackoffCoefficient float64 `yaml:"backoff_coefficient" json:"backoffCoefficient"`

	// JitterMax is the upper bound of the uniform jitter added to each delay.
	JitterMax time.Duration `yaml:"jitter_max" json:"jitterMax"`

	// ConcurrencyJitter is extra jitter for CONCURRENCY errors.
	ConcurrencyJitter time.Duration `yaml:"concurrency_jitter" json:"concurrencyJitter"`

	// Timeout is the wall-clock budget measured from the first failed
	// attempt. Zero disables it.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// UnknownMaxAttempts is the stricter attempt limit applied while the most
	// recent error is UNKNOWN. Values above MaxAttempts are ignored.
	UnknownMaxAttempts int `yaml:"unknown_max_attempts" json:"unknownMaxAttempts"`

	// Retryable overrides the default retryability of individual kinds.
	// Kinds not present use the defaults (VALIDATION and FATAL false,
	// everything else true).
	Retryable map[Kind]bool `yaml:"retryable" json:"retryable,omitempty"`

	// CircuitBreaker configures the breaker.
	CircuitBreaker CircuitBreakerPolicy `yaml:"circuit_breaker" json:"circuitBreaker"`
}

// DefaultPolicy returns the policy used when a workflow does not supply one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        5,
		InitialDelay:       time.Second,
		MaxDelay:           time.Minute,
		BackoffCoefficient: 2,
		JitterMax:          time.Second,
		ConcurrencyJitter:  2 * time.Second,
		UnknownMaxAttempts: 3,
		CircuitBreaker: CircuitBreakerPolicy{
			FailureThreshold:         3,
			ResetTimeout:             time.Minute,
			HalfOpenSuccessThreshold: 1,
		},
	}
}

// Validate checks the policy for out-of-range values.
//   - MaxAttempts must be >= 1
//   - BackoffCoefficient must be >= 1
//   - delays must be non-negative and MaxDelay >= InitialDelay when both are set
//   - breaker thresholds must be >= 1
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 || p.BackoffCoefficient < 1 {
		return ErrInvalidPolicy
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 || p.JitterMax < 0 || p.ConcurrencyJitter < 0 || p.Timeout < 0 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay > 0 && p.InitialDelay > 0 && p.MaxDelay < p.InitialDelay {
		return ErrInvalidPolicy
	}
	if p.CircuitBreaker.FailureThreshold < 1 || p.CircuitBreaker.HalfOpenSuccessThreshold < 1 {
		return ErrInvalidPolicy
	}
	if p.CircuitBreaker.ResetTimeout < 0 || p.UnknownMaxAttempts < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// IsRetryable reports whether errors of kind k may be retried under p.
func (p *Policy) IsRetryable(k Kind) bool {
	if v, ok := p.Retryable[k]; ok {
		return v
	}
	switch k {
	case KindValidation, KindFatal:
		return false
	default:
		return true
	}
}

// Backoff returns the jitter-free delay after the attempt-th failure
// (attempt is 1-based):
//
//	min(initial * coefficient^(attempt-1), maxDelay)
//
// A maxDelay of zero disables the cap. Attempts below 1 are treated as 1.
//
// Example delays with initial=100ms, coefficient=2, maxDelay=1s:
//   - attempt 1: 100ms
//   - attempt 2: 200ms
//   - attempt 3: 400ms
//   - attempt 5: 1s (capped)
func Backoff(attempt int, initial, maxDelay time.Duration, coefficient float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if coefficient < 1 {
		coefficient = 1
	}

	delay := float64(initial) * math.Pow(coefficient, float64(attempt-1))

	// Cap before converting so huge exponents cannot overflow int64.
	if maxDelay > 0 && delay > float64(maxDelay) {
		return maxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
