// Package cacheerr defines the structured error taxonomy for the
// function response cache: the six kinds spec.md §7 names, each
// carrying enough context (component, operation, cause) to diagnose a
// multi-process cache failure after the fact. Modeled on the corpus's
// own structured error type, scttfrdmn-objectfs's pkg/errors.ObjectFSError,
// trimmed to this subsystem's six codes.
package cacheerr

import (
	"errors"
	"fmt"
)

// Code identifies one of the six error kinds spec.md §7 enumerates.
type Code string

const (
	// CacheDisabled means the cache directory does not exist or size
	// is configured to 0; callers should bypass to direct evaluation.
	CacheDisabled Code = "CACHE_DISABLED"
	// CacheIOError means a filesystem call failed for a reason other
	// than the target not existing (permission, ENOSPC, etc).
	CacheIOError Code = "CACHE_IO_ERROR"
	// CacheCorrupt means a cache entry's header, descriptor, or payload
	// could not be parsed; the offending entry should be unlinked.
	CacheCorrupt Code = "CACHE_CORRUPT"
	// TooManyCollisions means more than the configured maximum number
	// of hash-collision suffixes were probed for one resource id.
	TooManyCollisions Code = "TOO_MANY_COLLISIONS"
	// EvaluatorError wraps an error returned by the constraint
	// evaluator verbatim.
	EvaluatorError Code = "EVALUATOR_ERROR"
	// NotCacheable means the resource identifier exceeds the maximum
	// cacheable length; this is not a failure, just a bypass signal.
	NotCacheable Code = "NOT_CACHEABLE"
)

// CacheError is the structured error type every exported cache
// operation returns on failure.
type CacheError struct {
	Code      Code
	Component string
	Operation string
	Message   string
	Cause     error
}

func (e *CacheError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
}

func (e *CacheError) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Code alone, so callers can write
// errors.Is(err, cacheerr.New(cacheerr.CacheCorrupt, "", "", "")).
func (e *CacheError) Is(target error) bool {
	var other *CacheError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New builds a CacheError with no cause.
func New(code Code, component, operation, message string) *CacheError {
	return &CacheError{Code: code, Component: component, Operation: operation, Message: message}
}

// Wrap builds a CacheError around an underlying cause.
func Wrap(code Code, component, operation string, cause error) *CacheError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &CacheError{Code: code, Component: component, Operation: operation, Message: msg, Cause: cause}
}

// HasCode reports whether err is (or wraps) a CacheError with the given code.
func HasCode(err error, code Code) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
