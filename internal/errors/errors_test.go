package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapacityError(t *testing.T) {
	err := &CapacityError{Active: 3, Backlog: 100, Limit: 100}

	assert.Contains(t, err.Error(), "QUEUE_FULL")
	assert.Contains(t, err.Error(), "3 active")
	assert.Contains(t, err.Error(), "limit 100")
	assert.Equal(t, CodeQueueFull, GetCode(err))
	assert.True(t, IsCapacity(err))
}

func TestExecutionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapExecutionError(CodeScanFailed, "scan failed", "192.168.1.0/24", cause)

	assert.Contains(t, err.Error(), "SCAN_FAILED")
	assert.Contains(t, err.Error(), "target: 192.168.1.0/24")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, CodeScanFailed, GetCode(err))

	bare := NewExecutionError(CodeTimeout, "deadline exceeded", "")
	assert.NotContains(t, bare.Error(), "target:")
	assert.Equal(t, CodeTimeout, GetCode(bare))
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("schedule", "abc-123")

	assert.Contains(t, err.Error(), "schedule not found: abc-123")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))
}

func TestValidationError(t *testing.T) {
	err := NewFieldValidationError("interval", "must be positive")
	assert.Contains(t, err.Error(), "field: interval")
	assert.True(t, IsValidation(err))

	plain := NewValidationError("both snapshots are required")
	assert.NotContains(t, plain.Error(), "field:")
	assert.Equal(t, CodeValidation, GetCode(plain))
}

func TestStorageError(t *testing.T) {
	cause := errors.New("pq: connection reset")
	err := WrapStorageError(CodeStorageConnection, "database unreachable", "save_snapshot", cause)

	assert.Contains(t, err.Error(), "STORAGE_CONNECTION")
	assert.Contains(t, err.Error(), "operation: save_snapshot")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, CodeStorageConnection, GetCode(err))
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("queue_size", "must be positive", -1)
	assert.Contains(t, err.Error(), "field: queue_size")
	assert.Equal(t, CodeConfiguration, GetCode(err))
}

func TestGetCodeWrappedErrors(t *testing.T) {
	inner := NewExecutionError(CodeTimeout, "deadline exceeded", "10.0.0.1")
	wrapped := fmt.Errorf("running scheduled scan: %w", inner)

	assert.Equal(t, CodeTimeout, GetCode(wrapped))
	assert.True(t, IsCode(wrapped, CodeTimeout))
}

func TestGetCodeUnknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, GetCode(errors.New("plain error")))
	assert.Equal(t, CodeUnknown, GetCode(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"timeout", NewExecutionError(CodeTimeout, "deadline", ""), true},
		{"scan failed", NewExecutionError(CodeScanFailed, "exit 1", ""), true},
		{"storage connection", WrapStorageError(CodeStorageConnection, "down", "ping", nil), true},
		{"validation", NewValidationError("bad input"), false},
		{"not found", NewNotFoundError("snapshot", "x"), false},
		{"capacity", &CapacityError{Limit: 10}, false},
		{"plain", errors.New("whatever"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
