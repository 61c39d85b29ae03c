// Package retry decides whether and when a failed migration task is retried.
//
// It classifies errors into coarse kinds, computes exponential backoff with
// jitter, and keeps a per-workflow circuit breaker. All mutable bookkeeping
// lives in State, which is persisted inside the workflow checkpoint so that
// retry decisions survive a process restart.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the retry category of an error.
type Kind string

const (
	// KindTransient covers short-lived failures expected to clear on their own.
	KindTransient Kind = "TRANSIENT"

	// KindResource covers exhausted memory, disk, CPU or similar capacity.
	KindResource Kind = "RESOURCE"

	// KindDependency covers network and remote service failures.
	KindDependency Kind = "DEPENDENCY"

	// KindDatabase covers SQL and database driver failures.
	KindDatabase Kind = "DATABASE"

	// KindConcurrency covers lock contention and write conflicts.
	// Retries of this kind receive extra jitter.
	KindConcurrency Kind = "CONCURRENCY"

	// KindValidation covers bad input. Never retryable by default.
	KindValidation Kind = "VALIDATION"

	// KindFatal covers unrecoverable failures. Never retryable by default.
	KindFatal Kind = "FATAL"

	// KindUnknown is assigned when no rule matches. Retryable with a stricter
	// attempt limit (see Policy.UnknownMaxAttempts).
	KindUnknown Kind = "UNKNOWN"
)

// Kinds lists every kind in classification order.
var Kinds = []Kind{
	KindTransient, KindResource, KindDependency, KindDatabase,
	KindConcurrency, KindValidation, KindFatal, KindUnknown,
}

// Kinder is implemented by errors that know their own retry kind.
// Classify prefers it over substring matching.
type Kinder interface {
	Kind() Kind
}

type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }
func (e *kindedError) Kind() Kind    { return e.kind }

// WithKind annotates err with an explicit kind. Task implementations use it
// when the error text alone would be misclassified.
//
// Example:
//
//	return nil, retry.WithKind(err, retry.KindFatal)
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// classificationRules are evaluated in order; the first rule with a matching
// substring wins.
var classificationRules = []struct {
	kind     Kind
	patterns []string
}{
	{KindDependency, []string{"connection", "network", "timeout", "econnrefused", "econnreset"}},
	{KindDatabase, []string{"sql", "database", "query"}},
	{KindResource, []string{"memory", "cpu", "disk", "out of", "resource"}},
	{KindValidation, []string{"validation", "invalid", "syntax", "required"}},
	{KindConcurrency, []string{"lock", "conflict", "concurrent", "already exists"}},
	{KindFatal, []string{"fatal", "critical", "unrecoverable"}},
	{KindTransient, []string{"temporary", "temporarily", "unavailable", "try again"}},
}

// Classify maps an error to its retry Kind.
//
// Resolution order:
//  1. An error in the chain implementing Kinder.
//  2. context.DeadlineExceeded is a DEPENDENCY (a remote call ran out of time).
//  3. context.Canceled is FATAL (the workflow was stopped).
//  4. Case-insensitive substring match on the error's type name and message.
//  5. KindUnknown.
//
// A nil error classifies as KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindDependency
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}

	text := strings.ToLower(fmt.Sprintf("%T %s", err, err.Error()))
	for _, rule := range classificationRules {
		for _, p := range rule.patterns {
			if strings.Contains(text, p) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
