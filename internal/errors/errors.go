package errors

import (
	"errors"
	"fmt"
)

// Error is the structured error type for Archivist. It carries the code,
// category, and retryability used by log sites and the serving surfaces.
type Error struct {
	// Code is the unique error code (e.g., "ERR_301_SOURCE_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Source, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, enabling errors.Is with sentinel instances.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a structured error with the given code and message.
// Category, severity, and retryability are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a structured error from an existing error.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// SourceTimeout marks a corpus query that exceeded its deadline.
func SourceTimeout(source string, cause error) *Error {
	return New(ErrCodeSourceTimeout, fmt.Sprintf("source %q timed out", source), cause).
		WithDetail("source", source)
}

// SourceFailed marks a corpus query that returned an error.
func SourceFailed(source string, cause error) *Error {
	return New(ErrCodeSourceFailed, fmt.Sprintf("source %q failed", source), cause).
		WithDetail("source", source)
}

// GeneratorUnavailable marks an unreachable text generator.
func GeneratorUnavailable(cause error) *Error {
	return New(ErrCodeGeneratorUnavailable, "text generator unavailable, paraphrasing disabled", cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// StorageError creates a corpus/storage-related error.
func StorageError(message string, cause error) *Error {
	return New(ErrCodeCorpusIO, message, cause)
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf returns the code of a structured error, or ERR_501_INTERNAL for
// any other error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
