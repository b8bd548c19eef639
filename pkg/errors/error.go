package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Error represents a custom error with error code and context
type Error struct {
	Code    ErrorCode              // Error code
	Message string                 // Custom error message (overrides default if set)
	Details map[string]interface{} // Additional context data
	Err     error                  // Underlying error (for wrapping)
	Stack   string                 // Stack trace
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

// Unwrap returns the underlying error (for errors.Is and errors.As)
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the wire name of the error code.
func (e *Error) Kind() string {
	return e.Code.Name()
}

// New creates a new Error with the given error code
func New(code ErrorCode) *Error {
	return &Error{
		Code:    code,
		Message: code.Message(),
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// Newf creates a new Error with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// Wrap wraps an existing error with an error code
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}

	// If already our custom error, just update the code
	if e, ok := err.(*Error); ok {
		e.Code = code
		return e
	}

	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// Wrapf wraps an error with code and formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Details: make(map[string]interface{}),
		Stack:   getStack(2),
	}
}

// WithMessage adds a custom message to the error
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetCode extracts the error code from any error
// If the error is not our custom Error type, returns InternalServerError
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}

	if e, ok := err.(*Error); ok {
		return e.Code
	}

	return InternalServerError
}

// GetError extracts our custom Error from any error
// If the error is not our custom Error type, wraps it
func GetError(err error) *Error {
	if err == nil {
		return nil
	}

	if e, ok := err.(*Error); ok {
		return e
	}

	return Wrap(err, InternalServerError)
}

// Is checks if the error has the given error code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	if e, ok := err.(*Error); ok {
		return e.Code == code
	}

	return false
}

// Describe renders an error as "<Kind> - <message>".
// Errors outside this package render with the InternalServerError kind.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	e := GetError(err)
	return e.Kind() + " - " + e.Error()
}

// getStack captures the stack trace
func getStack(skip int) string {
	const maxDepth = 10
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var builder strings.Builder

	for {
		frame, more := frames.Next()

		// Skip runtime internal frames
		if strings.Contains(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}

		builder.WriteString(fmt.Sprintf("\n\t%s:%d %s", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

// Run error constructors

// RunsLimitReachedError reports a rejected admission.
func RunsLimitReachedError(limit int) *Error {
	return Newf(RunsLimitReached, "Runs limit[%d] reached for this server", limit).
		WithDetail("limit", limit)
}

// RunIDAlreadyExistsError reports a duplicate run id.
func RunIDAlreadyExistsError(runID string) *Error {
	return Newf(RunIDAlreadyExists, "RunID %s already exists", runID)
}

// RunBeingDeletedError reports an operation on a run being removed.
func RunBeingDeletedError(runID string) *Error {
	return Newf(RunBeingDeleted, "Run %s is in delete process", runID)
}

// NoSuchRunError reports a lookup miss.
func NoSuchRunError(runID string) *Error {
	return Newf(NoSuchRun, "Run %s doesn't exist", runID)
}

// ProcessNotFinishedError reports a result request before completion.
func ProcessNotFinishedError(runID string) *Error {
	return Newf(ProcessNotFinished, "The run %s is not finished yet", runID)
}

// ReportNotReadyError reports a result request before the report was written.
func ReportNotReadyError(runID string) *Error {
	return Newf(ReportNotReady, "The report for run %s is not ready yet", runID)
}

// MaxOutputSizeReachedError reports the output-size policy violation.
func MaxOutputSizeReachedError(limit int64) *Error {
	return Newf(MaxOutputSizeReached, "Max output size reached: %d", limit).
		WithDetail("limit", limit)
}

// NonZeroReturnCodeError reports a failed exit status.
func NonZeroReturnCodeError(code int) *Error {
	return Newf(NonZeroReturnCode, "Process returned non zero: %d", code).
		WithDetail("exit_code", code)
}

// KilledBySignalError reports a process terminated by a signal.
func KilledBySignalError(signal string) *Error {
	return Newf(NonZeroReturnCode, "Process was killed with %s", signal).
		WithDetail("signal", signal)
}

// InvalidHandlerError reports an unusable function handler.
func InvalidHandlerError(msg string) *Error {
	return New(InvalidHandler).WithMessage(msg)
}

// InternalError creates an internal server error
func InternalError(err error) *Error {
	if err == nil {
		return New(InternalServerError)
	}
	return Wrapf(err, InternalServerError, "%s", InternalServerError.Message()).
		WithDetail("cause", err.Error())
}
