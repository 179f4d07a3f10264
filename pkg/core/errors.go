package core

import (
	"errors"
	"fmt"
)

// Error is the structured error type shared across the gateway.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CallID    string    `json:"call_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrValidation marks malformed or unauthenticated inbound
	// notifications. These are dropped without session impact.
	ErrValidation ErrorType = "validation_error"
	// ErrTransientNetwork marks socket read/write failures on either leg.
	// Lanes retry these a bounded number of times before escalating.
	ErrTransientNetwork ErrorType = "transient_network_error"
	// ErrProtocol marks unexpected or out-of-order traffic from either
	// leg. The affected session transitions to Failed.
	ErrProtocol ErrorType = "protocol_error"
	// ErrToolExecution marks a handler-reported failure or timeout. It is
	// surfaced to the AI leg as a function error and never ends a session.
	ErrToolExecution ErrorType = "tool_execution_error"
	// ErrFatalCall marks unrecoverable per-call failures such as a media
	// stream that cannot be established.
	ErrFatalCall ErrorType = "fatal_call_error"

	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:    ErrValidation,
		Message: message,
	}
}

// NewValidationErrorWithParam creates a validation error naming the
// offending field.
func NewValidationErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrValidation,
		Message: message,
		Param:   param,
	}
}

// NewTransientNetworkError wraps a socket-level failure.
func NewTransientNetworkError(op string, underlying error) *Error {
	return &Error{
		Type:    ErrTransientNetwork,
		Message: fmt.Sprintf("%s: %v", op, underlying),
		cause:   underlying,
	}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
	}
}

// NewToolExecutionError creates a tool execution error for the named
// function.
func NewToolExecutionError(name string, underlying error) *Error {
	return &Error{
		Type:    ErrToolExecution,
		Message: fmt.Sprintf("%s: %v", name, underlying),
		Param:   name,
		cause:   underlying,
	}
}

// NewFatalCallError creates a fatal per-call error.
func NewFatalCallError(message string, underlying error) *Error {
	e := &Error{
		Type:    ErrFatalCall,
		Message: message,
		cause:   underlying,
	}
	if underlying != nil {
		e.Message = fmt.Sprintf("%s: %v", message, underlying)
	}
	return e
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// WithCallID returns a copy of the error tagged with the call's
// correlation id.
func (e *Error) WithCallID(id string) *Error {
	dup := *e
	dup.CallID = id
	return &dup
}

// IsRetryable returns true if the operation that produced the error may
// be retried at the lane level.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrTransientNetwork
}

// EndsSession returns true if the error must move the session to Failed.
func (e *Error) EndsSession() bool {
	switch e.Type {
	case ErrProtocol, ErrFatalCall:
		return true
	default:
		return false
	}
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// TypeOf returns the ErrorType of err when it is (or wraps) a *Error,
// and ok=false otherwise.
func TypeOf(err error) (ErrorType, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type, true
	}
	return "", false
}
