// Package errors provides the coded error kinds used across the ingestion pipeline.
// Errors carry a code, a message, an optional cause and diagnostic context.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies an error kind for programmatic handling.
type Code string

const (
	// Request errors (1xx) abort the whole invocation.
	CodeInvalidRequest  Code = "E101"
	CodeInvalidCategory Code = "E102"

	// Upstream errors (2xx) skip a single window.
	CodeRenderSubmission Code = "E201"
	CodeResultNotReady   Code = "E202"
	CodeResultTimeout    Code = "E203"

	// Export errors (3xx)
	CodeDownloadFailed  Code = "E301"
	CodeMalformedExport Code = "E302"

	// Storage errors (4xx)
	CodeStorageConflict Code = "E401"
	CodeStorageFailure  Code = "E402"

	CodeUnknown Code = "E999"
)

// Sentinels for errors.Is. Matching is by code, so any *Error with the same
// code matches regardless of message or context.
var (
	ErrInvalidRequest         = sentinel(CodeInvalidRequest, "invalid request")
	ErrInvalidCategory        = sentinel(CodeInvalidCategory, "invalid event category")
	ErrRenderSubmissionFailed = sentinel(CodeRenderSubmission, "render submission failed")
	ErrResultNotReady         = sentinel(CodeResultNotReady, "render result not ready")
	ErrResultTimeout          = sentinel(CodeResultTimeout, "render result timed out")
	ErrDownloadFailed         = sentinel(CodeDownloadFailed, "export download failed")
	ErrMalformedExport        = sentinel(CodeMalformedExport, "export has no usable rows")
	ErrStorageConflict        = sentinel(CodeStorageConflict, "storage conflict")
	ErrStorageFailure         = sentinel(CodeStorageFailure, "storage failure")
)

// Error is the base error type for pipeline errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message. Wrap returns nil
// when err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

func sentinel(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsFatal reports whether err must abort the whole invocation rather than a
// single window.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeInvalidRequest, CodeInvalidCategory:
		return true
	default:
		return false
	}
}

// InvalidRequest creates a request validation error for a field.
func InvalidRequest(field, reason string) *Error {
	return Newf(CodeInvalidRequest, "invalid request: %s", reason).WithContext("field", field)
}
