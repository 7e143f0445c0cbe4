package core

import (
	"errors"
	"fmt"
)

// Error is the typed error surfaced by the guide runtime and the gateway.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.cause != nil {
		if msg == "" {
			msg = e.cause.Error()
		} else {
			msg = msg + ": " + e.cause.Error()
		}
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports a match against another *Error of the same Type. A target with a
// message only matches errors carrying the same message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrMediaUnavailable ErrorType = "media_unavailable"
	ErrPermissionDenied ErrorType = "permission_denied"
	ErrSession          ErrorType = "session_error"
	ErrToolHandler      ErrorType = "tool_handler_failure"
	ErrDecode           ErrorType = "decode_failure"
	ErrInvalidRequest   ErrorType = "invalid_request_error"
	ErrAuthentication   ErrorType = "authentication_error"
	ErrRateLimit        ErrorType = "rate_limit_error"
	ErrBackend          ErrorType = "backend_error"
	ErrAPI              ErrorType = "api_error"
)

// Sentinels for errors.Is.
var (
	MediaUnavailable = &Error{Type: ErrMediaUnavailable}
	PermissionDenied = &Error{Type: ErrPermissionDenied}
	SessionFailure   = &Error{Type: ErrSession}
	ToolFailure      = &Error{Type: ErrToolHandler}
	DecodeFailure    = &Error{Type: ErrDecode}
	InvalidRequest   = &Error{Type: ErrInvalidRequest}
)

// NewMediaUnavailableError reports that the platform offers no capture API.
func NewMediaUnavailableError(message string) *Error {
	return &Error{Type: ErrMediaUnavailable, Message: message}
}

// NewPermissionDeniedError reports that capture was refused even for audio only.
func NewPermissionDeniedError(message string, cause error) *Error {
	return &Error{Type: ErrPermissionDenied, Message: message, cause: cause}
}

// NewSessionError wraps a transport or remote failure that ends a session.
func NewSessionError(message string, cause error) *Error {
	return &Error{Type: ErrSession, Message: message, cause: cause}
}

// NewToolHandlerError wraps a failure raised by a tool handler.
func NewToolHandlerError(tool string, cause error) *Error {
	return &Error{Type: ErrToolHandler, Message: tool, cause: cause}
}

// NewDecodeError wraps a malformed audio chunk.
func NewDecodeError(message string, cause error) *Error {
	return &Error{Type: ErrDecode, Message: message, cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewBackendError reports a non-success response from the game backend.
func NewBackendError(status int, message string) *Error {
	return &Error{Type: ErrBackend, Message: message, Code: fmt.Sprintf("http_%d", status)}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsFatal reports whether the error ends the live session it came from.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrMediaUnavailable, ErrPermissionDenied, ErrSession:
		return true
	default:
		return false
	}
}

// TypeOf returns the ErrorType carried by err, or "" when err is not a *Error.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
