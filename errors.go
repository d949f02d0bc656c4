package dragonflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes for specific failure types
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeDependency    = "DEPENDENCY_ERROR"
	ErrCodeBreakerOpen   = "BREAKER_OPEN"
	ErrCodeTimeout       = "EXECUTION_TIMEOUT"
	ErrCodeProcess       = "PROCESS_ERROR"
	ErrCodeResourceLimit = "RESOURCE_LIMIT_EXCEEDED"
	ErrCodeTaskExecution = "TASK_EXECUTION_ERROR"
	ErrCodeCancelled     = "EXECUTION_CANCELLED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is. A TaskError matches a sentinel when the codes match.
var (
	ErrValidation    = &TaskError{Code: ErrCodeValidation}
	ErrDependency    = &TaskError{Code: ErrCodeDependency}
	ErrBreakerOpen   = &TaskError{Code: ErrCodeBreakerOpen}
	ErrTimeout       = &TaskError{Code: ErrCodeTimeout}
	ErrProcess       = &TaskError{Code: ErrCodeProcess}
	ErrResourceLimit = &TaskError{Code: ErrCodeResourceLimit}
	ErrTaskExecution = &TaskError{Code: ErrCodeTaskExecution}
	ErrCancelled     = &TaskError{Code: ErrCodeCancelled}
)

// TaskError is the error type carried by execution results.
type TaskError struct {
	Code      string `json:"code"`              // A machine-readable error code (e.g., ErrCodeTimeout)
	Message   string `json:"message"`           // A human-readable message
	Stage     string `json:"stage"`             // The stage where the error occurred (e.g., "admission", "dispatch")
	Detail    string `json:"detail,omitempty"`  // Captured worker stderr, if any
	Retryable bool   `json:"retryable"`         // Whether another attempt may succeed
	Cause     error  `json:"-"`                 // The underlying error, if any
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a TaskError with the same code.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new TaskError.
func NewError(code, stage, message string, cause error) *TaskError {
	return &TaskError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *TaskError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewBreakerOpenError(key string) *TaskError {
	e := NewError(ErrCodeBreakerOpen, "dispatch", fmt.Sprintf("circuit breaker '%s' is open", key), nil)
	e.Retryable = true
	return e
}

func NewTimeoutError(stage string, timeout time.Duration) *TaskError {
	e := NewError(ErrCodeTimeout, stage, fmt.Sprintf("execution timed out after %v", timeout), nil)
	e.Retryable = true
	return e
}

func NewProcessError(stage, message string, cause error) *TaskError {
	e := NewError(ErrCodeProcess, stage, message, cause)
	e.Retryable = true
	return e
}

func NewResourceLimitError(stage string, usedBytes, limitBytes uint64) *TaskError {
	msg := fmt.Sprintf("memory usage %d bytes exceeds limit of %d bytes", usedBytes, limitBytes)
	e := NewError(ErrCodeResourceLimit, stage, msg, nil)
	e.Retryable = true
	return e
}

func NewTaskExecutionError(stage, message, stderr string, cause error) *TaskError {
	e := NewError(ErrCodeTaskExecution, stage, message, cause)
	e.Detail = strings.TrimSpace(stderr)
	e.Retryable = true
	return e
}

func NewCancelledError(stage string, cause error) *TaskError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" { // Add more detail if cause isn't just context.Canceled
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewInternalError(stage, message string, cause error) *TaskError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// AsTaskError returns err as a *TaskError, wrapping foreign errors as task execution errors.
func AsTaskError(stage string, err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewTaskExecutionError(stage, "task execution failed", "", err)
}

// IsRetryable reports whether err is a retryable TaskError.
func IsRetryable(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Retryable
}

// DependencyError is returned synchronously when a task references unknown
// dependencies or a batch of tasks would form a cycle.
type DependencyError struct {
	TaskID  string
	Missing []string
	Cycles  [][]string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	switch {
	case len(e.Cycles) > 0:
		parts := make([]string, 0, len(e.Cycles))
		for _, c := range e.Cycles {
			parts = append(parts, strings.Join(c, " -> "))
		}
		return fmt.Sprintf("[graph:%s] task '%s' would form a cycle: %s", ErrCodeDependency, e.TaskID, strings.Join(parts, "; "))
	case len(e.Missing) > 0:
		return fmt.Sprintf("[graph:%s] task '%s' depends on unknown tasks: %s", ErrCodeDependency, e.TaskID, strings.Join(e.Missing, ", "))
	default:
		return fmt.Sprintf("[graph:%s] invalid dependencies for task '%s'", ErrCodeDependency, e.TaskID)
	}
}

// Is matches ErrDependency.
func (e *DependencyError) Is(target error) bool {
	t, ok := target.(*TaskError)
	return ok && t.Code == ErrCodeDependency
}
