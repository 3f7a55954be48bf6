// Package apperr defines the typed errors handlers return and the dispatch
// framework translates into wire-level error events.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for client reporting.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindAuthorization  Kind = "authorization"
	KindCapacity       Kind = "capacity"
	KindUnsupported    Kind = "unsupported"
	KindInternal       Kind = "internal"
)

// Stable wire codes
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthMismatch     = "AUTH_MISMATCH"
	CodeValidation       = "VALIDATION_ERROR"
	CodeMessageTooLarge  = "MESSAGE_TOO_LARGE"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeThrottled        = "SERVER_THROTTLED"
	CodeUnsupportedEvent = "UNSUPPORTED_EVENT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Messages shown to clients where detail must not leak
const (
	MsgAuthFailed   = "authentication failed"
	MsgAuthRequired = "authentication required"
	MsgMismatch     = "identity mismatch"
	MsgUnauthorized = "Unauthorized"
	MsgInternal     = "internal server error"
)

// Error is an application error with a stable code.
//
// Operational errors are expected outcomes of client input (bad payload,
// denied access). Non-operational errors indicate a server bug and are
// logged with full context.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Operational bool
	Details     map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Authentication returns the generic authentication failure. The cause is
// kept for server logs only.
func Authentication(cause error) *Error {
	return &Error{
		Kind:        KindAuthentication,
		Code:        CodeAuthFailed,
		Message:     MsgAuthFailed,
		Operational: true,
		cause:       cause,
	}
}

// AuthRequired is returned when an event needs an authenticated connection.
func AuthRequired() *Error {
	return &Error{
		Kind:        KindAuthentication,
		Code:        CodeAuthRequired,
		Message:     MsgAuthRequired,
		Operational: true,
	}
}

// IdentityMismatch is returned when a client claims a different user than
// the one already bound to its connection.
func IdentityMismatch() *Error {
	return &Error{
		Kind:        KindAuthentication,
		Code:        CodeAuthMismatch,
		Message:     MsgMismatch,
		Operational: true,
	}
}

// Validation reports a violated input constraint. The message is shown as is.
func Validation(format string, args ...any) *Error {
	return &Error{
		Kind:        KindValidation,
		Code:        CodeValidation,
		Message:     fmt.Sprintf(format, args...),
		Operational: true,
	}
}

// TooLarge reports a payload above limit bytes.
func TooLarge(size, limit int) *Error {
	return &Error{
		Kind:        KindValidation,
		Code:        CodeMessageTooLarge,
		Message:     fmt.Sprintf("message exceeds maximum length of %d bytes", limit),
		Operational: true,
		Details:     map[string]any{"size": size, "limit": limit},
	}
}

// Unauthorized reports denied access without saying why.
func Unauthorized(cause error) *Error {
	return &Error{
		Kind:        KindAuthorization,
		Code:        CodeUnauthorized,
		Message:     MsgUnauthorized,
		Operational: true,
		cause:       cause,
	}
}

// Capacity reports a load-related refusal with a retry hint in milliseconds.
func Capacity(code, message string, retryAfterMs int64) *Error {
	return &Error{
		Kind:        KindCapacity,
		Code:        code,
		Message:     message,
		Operational: true,
		Details:     map[string]any{"retryAfterMs": retryAfterMs},
	}
}

// Unsupported reports an event with no registered handler.
func Unsupported(event string) *Error {
	return &Error{
		Kind:        KindUnsupported,
		Code:        CodeUnsupportedEvent,
		Message:     fmt.Sprintf("unsupported event: %s", event),
		Operational: true,
	}
}

// Internal wraps an unexpected failure behind a generic message.
func Internal(cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Message: MsgInternal,
		cause:   cause,
	}
}

// From classifies err. Unrecognized errors become Internal and known
// reports whether err already carried an *Error.
func From(err error) (e *Error, known bool) {
	if err == nil {
		return nil, false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return Internal(err), false
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}

// Payload is the body of an "error" event.
type Payload struct {
	Event   string         `json:"event,omitempty"`
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// ToPayload renders e for the client. Internal causes are never included.
func (e *Error) ToPayload(event string) Payload {
	return Payload{
		Event:   event,
		Message: e.Message,
		Code:    e.Code,
		Details: e.Details,
	}
}
