// Package poolerrors provides structured error handling for the lease pool with
// categorized error types, key-value details and stack traces.
//
// # Overview
//
// Only two failure classes ever reach a caller of the pool core:
//   - Creation failures, reported through Initialize's boolean result
//   - Unavailability, when Allocate exhausts its timeout without a usable resource
//
// Everything else (validation, ownership, reset, stop) is absorbed by the pool,
// logged, and reflected in resource status. The types below still exist for those
// cases so that logs, metrics and the remote boundary can classify them.
//
// # Basic Usage
//
//	err := poolerrors.New(poolerrors.ErrorTypeUnavailable, "no free resource").
//	    WithDetail("worker_id", workerID).
//	    WithDetail("timeout", timeout.String())
//
//	if poolerrors.IsRetryable(err) {
//	    // back off and try again
//	}
//
// # Thread Safety
//
// Error instances are not thread-safe for modification. Add details with
// WithDetail before sharing an error across goroutines.
package poolerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for retry decisions,
// metrics labels and the status codes of the remote boundary.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid caller input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents unknown resources
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents operations that clash with current pool state
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeTimeout represents an elapsed deadline or cancelled wait
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeUnavailable represents an allocate call that found no usable resource
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeOwnership represents a release by a worker that does not hold the lease
	ErrorTypeOwnership ErrorType = "ownership"
	// ErrorTypeCreation represents a backend failure while materializing a resource
	ErrorTypeCreation ErrorType = "creation"
	// ErrorTypeReset represents a backend failure while resetting a resource
	ErrorTypeReset ErrorType = "reset"
	// ErrorTypeStop represents a backend failure while tearing a resource down
	ErrorTypeStop ErrorType = "stop"
	// ErrorTypeStopped represents an operation attempted on a stopped pool
	ErrorTypeStopped ErrorType = "stopped"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents transport errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeBackend represents any other backend hook failure
	ErrorTypeBackend ErrorType = "backend"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the original
// error as the cause. If err is already a structured Error its stack is kept.
// Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether the caller may retry the failed operation.
// Unavailable, timeout, connection and rate limit errors are retryable.
//
// Example:
//
//	for attempt := 0; attempt < maxRetries; attempt++ {
//	    info, err := p.Allocate(ctx, workerID, 30*time.Second)
//	    if err == nil {
//	        return info, nil
//	    }
//	    if !poolerrors.IsRetryable(err) {
//	        return nil, err
//	    }
//	}
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeUnavailable, ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// IsType checks whether any structured error in the chain has the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost structured error, or
// ErrorTypeInternal when err carries none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
