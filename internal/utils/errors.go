package utils

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure categories surfaced by the analysis core.
type ErrorKind string

const (
	KindInvalidIdentifier     ErrorKind = "invalid_identifier"
	KindAuthentication        ErrorKind = "authentication_error"
	KindRateLimited           ErrorKind = "rate_limited"
	KindNotFound              ErrorKind = "not_found"
	KindStoreUnavailable      ErrorKind = "store_unavailable"
	KindNoActivity            ErrorKind = "no_activity"
	KindTransientNetwork      ErrorKind = "transient_network_error"
	KindAllSourcesUnavailable ErrorKind = "all_sources_unavailable"
)

// Sentinels for errors.Is checks; an *AppError matches the sentinel of its kind.
var (
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrAuthentication        = errors.New("authentication rejected")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotFound              = errors.New("not found")
	ErrStoreUnavailable      = errors.New("local store unavailable")
	ErrNoActivity            = errors.New("no local activity")
	ErrTransientNetwork      = errors.New("transient network error")
	ErrAllSourcesUnavailable = errors.New("all evidence sources unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidIdentifier:     ErrInvalidIdentifier,
	KindAuthentication:        ErrAuthentication,
	KindRateLimited:           ErrRateLimited,
	KindNotFound:              ErrNotFound,
	KindStoreUnavailable:      ErrStoreUnavailable,
	KindNoActivity:            ErrNoActivity,
	KindTransientNetwork:      ErrTransientNetwork,
	KindAllSourcesUnavailable: ErrAllSourcesUnavailable,
}

// AppError wraps an operation, its failure kind, a human-facing message, and the underlying error.
type AppError struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
	// RetryAfter is the server-suggested wait for KindRateLimited, zero when unknown.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *AppError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// NewAppError constructs an AppError.
func NewAppError(op string, kind ErrorKind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first AppError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// RetryAfter returns the retry hint carried by a rate-limit error.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}
