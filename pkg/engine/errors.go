package engine

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/pkg/stores"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: storage I/O hiccups, a head pruned mid-walk.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the resolver or storage is shedding load.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates concurrent modification of the commit graph.
	// Examples: the head set changed while a merge was being prepared.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: protocol violations, invalid decisions, illegal state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Commit is the commit ID that caused the error, if applicable.
	Commit string `json:"commit,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Commit != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (commit=%s, operation=%s): %s",
			e.Class, e.Message, e.Commit, e.Operation, e.unwrapMessage())
	}
	if e.Commit != "" {
		return fmt.Sprintf("[%s] %s (commit=%s): %s",
			e.Class, e.Message, e.Commit, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithCommit adds commit context to an error.
func (e *EngineError) WithCommit(commitID stores.CommitID) *EngineError {
	e.Commit = string(commitID)
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// StatusError converts a non-OK storage status into a classified error.
// I/O failures and missing commits are retryable: a head can be pruned by
// a concurrent merge between listing and loading it.
func StatusError(st stores.Status, operation string) *EngineError {
	var e *EngineError
	switch st {
	case stores.StatusIOError:
		e = NewTransientError("storage operation failed", nil).WithCode(ErrCodeStorageFailed)
	case stores.StatusKeyNotFound:
		e = NewConflictError("commit graph changed underfoot", nil).WithCode(ErrCodeNotFound)
	case stores.StatusChannelClosed:
		e = NewPermanentError("resolver disconnected", nil).WithCode(ErrCodeResolverFailed)
	case stores.StatusCancelled:
		e = NewPermanentError("merge cancelled", nil).WithCode(ErrCodeCancelled)
	case stores.StatusInterrupted:
		e = NewPermanentError("merge interrupted by shutdown", nil).WithCode(ErrCodeInterrupted)
	case stores.StatusIllegalState:
		e = NewPermanentError("storage rejected operation", nil).WithCode(ErrCodeValidation)
	default:
		e = NewPermanentError(fmt.Sprintf("merge failed with status %s", st), nil).
			WithCode(ErrCodeInternal)
	}
	return e.WithOperation(operation)
}

// RetryableStatus reports whether a merge attempt that ended with this
// status is worth retrying on the same heads.
func RetryableStatus(st stores.Status) bool {
	return st == stores.StatusIOError || st == stores.StatusKeyNotFound
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeKeyNotFound    = "KEY_NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeResolverFailed = "RESOLVER_FAILED"
	ErrCodeStorageFailed  = "STORAGE_FAILED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeInterrupted    = "INTERRUPTED"
)
