// Package errors provides structured error handling for nmapper operations.
// It defines error codes and typed errors for the dispatch queue, scheduler,
// diff engine, and snapshot store, with utilities for classifying them.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Dispatch and scheduling errors.
	CodeQueueFull    ErrorCode = "QUEUE_FULL"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeAlreadyRuns  ErrorCode = "ALREADY_RUNNING"
	CodeShuttingDown ErrorCode = "SHUTTING_DOWN"

	// Scan execution errors.
	CodeScanFailed    ErrorCode = "SCAN_FAILED"
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"

	// Snapshot store errors.
	CodeStorageQuery      ErrorCode = "STORAGE_QUERY"
	CodeStorageConnection ErrorCode = "STORAGE_CONNECTION"
	CodeSnapshotMissing   ErrorCode = "SNAPSHOT_MISSING"
)

// CapacityError is returned by the dispatch queue when the backlog is full.
// It is surfaced immediately to the submitter and never retried internally.
type CapacityError struct {
	Active  int
	Backlog int
	Limit   int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("[%s] dispatch backlog full (%d active, %d queued, limit %d)",
		CodeQueueFull, e.Active, e.Backlog, e.Limit)
}

// ExecutionError records a failed or timed-out scan execution.
type ExecutionError struct {
	Code      ErrorCode
	Message   string
	RequestID string
	Target    string
	Elapsed   time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an execution error with the given code.
func NewExecutionError(code ErrorCode, message, target string) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Target: target}
}

// WrapExecutionError wraps a collaborator failure as an execution error.
func WrapExecutionError(code ErrorCode, message, target string, err error) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Target: target, Cause: err}
}

// NotFoundError is returned when an operation references an unknown
// scheduled scan or snapshot identity. It fails fast with no state mutation.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("[%s] %s not found: %s", CodeNotFound, e.Kind, e.ID)
}

// NewNotFoundError creates a not-found error for the given entity kind.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError is returned for malformed inputs, including misordered
// snapshot pairs handed to the diff engine. No partial result accompanies it.
type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", CodeValidation, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", CodeValidation, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// NewFieldValidationError creates a validation error for a specific field.
func NewFieldValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StorageError represents snapshot store failures.
type StorageError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WrapStorageError wraps a database failure as a storage error.
func WrapStorageError(code ErrorCode, message, operation string, err error) *StorageError {
	return &StorageError{Code: code, Message: message, Operation: operation, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", CodeConfiguration, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", CodeConfiguration, e.Message)
}

// NewConfigError creates a configuration error for a specific field.
func NewConfigError(field, message string, value interface{}) *ConfigError {
	return &ConfigError{Field: field, Message: message, Value: value}
}

// GetCode extracts the error code from an error if it carries one.
func GetCode(err error) ErrorCode {
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return CodeQueueFull
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Code
	}
	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return CodeNotFound
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CodeValidation
	}
	var stErr *StorageError
	if errors.As(err, &stErr) {
		return stErr.Code
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return CodeConfiguration
	}
	return CodeUnknown
}

// IsCode checks whether an error carries a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsCapacity reports whether the error is a dispatch capacity rejection.
func IsCapacity(err error) bool {
	return IsCode(err, CodeQueueFull)
}

// IsNotFound reports whether the error is a not-found failure.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsValidation reports whether the error is a validation failure.
func IsValidation(err error) bool {
	return IsCode(err, CodeValidation)
}

// IsRetryable determines whether an error indicates a condition the
// scheduler's bounded-retry policy should retry.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeScanFailed, CodeStorageConnection:
		return true
	default:
		return false
	}
}
