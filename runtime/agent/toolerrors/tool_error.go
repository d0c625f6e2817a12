// Package toolerrors provides the error type for tool invocation failures.
// A ToolError raised by a worker's capability does not abort the run: the
// worker stage renders it as conversation text and the run continues.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a tool failure. Tool errors may be nested via Cause to
// retain diagnostics across the tool loop.
type ToolError struct {
	// Tool names the failing tool, when known.
	Tool string
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError for tool that wraps cause. The cause is
// converted into a ToolError chain.
func NewWithCause(tool, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Tool:    tool,
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the string as a
// ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Is reports whether err is or wraps a ToolError.
func Is(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// Text renders err as conversation content.
func Text(err error) string {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) && te.Tool != "" {
		return fmt.Sprintf("Error: tool %s failed: %s", te.Tool, te.Message)
	}
	return "Error: " + err.Error()
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
