package tts

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// Synthesis pipeline errors. Use errors.Is against these; *Error values
// match the sentinel for their code.
var (
	// ErrValidation indicates missing or malformed input, rejected before any IO
	ErrValidation = errors.New("invalid synthesis request")

	// ErrUpstreamSynthesis indicates the engine failed or returned nothing
	ErrUpstreamSynthesis = errors.New("upstream synthesis failed")

	// ErrTranscode indicates post-processing failed
	ErrTranscode = errors.New("audio post-processing failed")

	// ErrTimeout indicates the engine exceeded its deadline
	ErrTimeout = errors.New("synthesis timed out")

	// ErrStorage indicates the cache tree could not be written
	ErrStorage = errors.New("cache storage failure")
)

// ErrorCode identifies specific error types
type ErrorCode string

const (
	ErrorCodeValidation ErrorCode = "VALIDATION"
	ErrorCodeUpstream   ErrorCode = "UPSTREAM_SYNTHESIS"
	ErrorCodeTimeout    ErrorCode = "ENGINE_TIMEOUT"
	ErrorCodeTranscode  ErrorCode = "TRANSCODE"
	ErrorCodeStorage    ErrorCode = "STORAGE"
)

// Error is a synthesis error carrying engine and voice context for
// operators. Message is safe to show to clients; Cause is not.
type Error struct {
	Code    ErrorCode
	Message string
	Engine  ttypes.Engine
	Voice   string
	Cause   error
	Context map[string]interface{}
}

// NewError creates a new error with context
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Validationf builds a validation error.
func Validationf(format string, args ...interface{}) *Error {
	return NewError(ErrorCodeValidation, fmt.Sprintf(format, args...), nil)
}

// Upstream wraps an engine failure.
func Upstream(engine ttypes.Engine, voice string, message string, cause error) *Error {
	e := NewError(ErrorCodeUpstream, message, cause)
	e.Engine = engine
	e.Voice = voice
	return e
}

// Transcode wraps a post-processing failure.
func Transcode(message string, cause error) *Error {
	return NewError(ErrorCodeTranscode, message, cause)
}

// Error implements the error interface
func (e *Error) Error() string {
	var where string
	if e.Engine != "" {
		where = fmt.Sprintf(" [engine=%s voice=%s]", e.Engine, e.Voice)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s%s: %v", e.Code, e.Message, where, e.Cause)
	}
	return fmt.Sprintf("%s: %s%s", e.Code, e.Message, where)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the package sentinel for the error's code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrorCodeValidation:
		return target == ErrValidation
	case ErrorCodeUpstream:
		return target == ErrUpstreamSynthesis
	case ErrorCodeTimeout:
		return target == ErrTimeout || target == ErrUpstreamSynthesis
	case ErrorCodeTranscode:
		return target == ErrTranscode
	case ErrorCodeStorage:
		return target == ErrStorage
	}
	return false
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	e.Context[key] = value
	return e
}

// WithVoice attaches engine and voice context.
func (e *Error) WithVoice(engine ttypes.Engine, voice string) *Error {
	e.Engine = engine
	e.Voice = voice
	return e
}

// Public returns the client-safe description: message plus engine and voice,
// never the cause.
func (e *Error) Public() string {
	if e.Engine == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (engine %s, voice %s)", e.Message, e.Engine, e.Voice)
}

// IsClientError reports whether the caller sent a bad request.
func (e *Error) IsClientError() bool {
	return e.Code == ErrorCodeValidation
}
