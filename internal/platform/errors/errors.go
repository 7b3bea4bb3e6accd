package errors

import (
	"context"
	stderrors "errors"
	"net/http"
)

// Metadata keys shared between the core and the route layer.
const (
	MetaActiveMessageID = "active_message_id"
	MetaApprovalID      = "approval_id"
	MetaApprovalState   = "state"
	MetaSessionID       = "session_id"
)

// ApprovalStateResolved marks an UNKNOWN_APPROVAL error for an id that was
// already answered rather than never raised.
const ApprovalStateResolved = "resolved"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for callers
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus maps the error to a transport status.
//
// UNKNOWN_APPROVAL splits on its state metadata: a never-raised id is a 404,
// an already-resolved id is a 409.
func (e *Error) HTTPStatus() int {
	if e.Code == CodeUnknownApproval && e.Metadata[MetaApprovalState] == ApprovalStateResolved {
		return http.StatusConflict
	}
	return e.Code.HTTPStatus()
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if domainErr, ok := As(err); ok {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return stderrors.Is(err, &Error{Code: code})
}

// FromContext wraps a context error as CANCELED, keeping the cause.
func FromContext(message string, err error) *Error {
	return Wrap(CodeCanceled, message, err)
}

// IsContextError reports whether err came from a canceled or expired context.
func IsContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
