package model

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind names the recoverable and hard failure classes surfaced by the
// admission layer and pipeline.
type FailureKind string

const (
	// FailRateLimit means the client exhausted its token bucket. Recoverable
	// after backing off for RetryAfter.
	FailRateLimit FailureKind = "rate_limit_exceeded"
	// FailCapacity means the global admission ceiling was reached. Recoverable
	// with a shorter backoff than FailRateLimit.
	FailCapacity FailureKind = "capacity_exceeded"
	// FailBackendUnavailable means the backend's circuit is open; the backend
	// was not contacted. Recoverable after the breaker cool-down.
	FailBackendUnavailable FailureKind = "backend_unavailable"
	// FailNoProvider means every configured backend is unavailable. Surfaced
	// to the batch as a hard failure.
	FailNoProvider FailureKind = "no_provider_available"
	// FailStageTimeout is a per-item stage timeout; recorded on the item's
	// StageResult and skipped, never aborts the batch.
	FailStageTimeout FailureKind = "stage_timeout"
	// FailPersistence is a persistence gateway error, retried at item
	// granularity (upserts are idempotent).
	FailPersistence FailureKind = "persistence_failure"
)

// Failure is a structured error carrying enough information for callers to
// implement their own backoff: the kind plus an optional retry-after hint.
type Failure struct {
	Kind       FailureKind
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure builds a Failure of the given kind.
func NewFailure(kind FailureKind, retryAfter time.Duration, err error) *Failure {
	return &Failure{Kind: kind, RetryAfter: retryAfter, Err: err}
}

// AsFailure unwraps a Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsFailure reports whether err carries the given failure kind.
func IsFailure(err error, kind FailureKind) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == kind
}

// Recoverable reports whether the failure kind is safe for the caller to
// retry after backoff.
func (f *Failure) Recoverable() bool {
	switch f.Kind {
	case FailRateLimit, FailCapacity, FailBackendUnavailable, FailPersistence:
		return true
	}
	return false
}
