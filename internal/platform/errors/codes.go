// Package errors provides structured error handling for the session stream core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeEmptyBatch      Code = "EMPTY_BATCH"
	CodeChunkTooLarge   Code = "CHUNK_TOO_LARGE"

	// Lookup errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeUnknownApproval Code = "UNKNOWN_APPROVAL"

	// State conflicts
	CodeGenerationAlreadyActive Code = "GENERATION_ALREADY_ACTIVE"
	CodeApprovalAlreadyPending  Code = "APPROVAL_ALREADY_PENDING"

	// Storage errors
	CodeStoreWriteFailed Code = "STORE_WRITE_FAILED"
	CodeStoreReadFailed  Code = "STORE_READ_FAILED"
	CodeStoreConflict    Code = "STORE_CONFLICT"

	// Registry errors
	CodeRegistryClosed Code = "REGISTRY_CLOSED"

	// CodeCanceled means the caller's context ended before the session was
	// ready; nothing was written.
	CodeCanceled Code = "CANCELED"

	// Delivery errors
	CodeSubscriberLagging Code = "SUBSCRIBER_LAGGING"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeInvalidArgument,
		CodeEmptyBatch,
		CodeChunkTooLarge:
		return http.StatusBadRequest

	// NotFound - resource doesn't exist
	case CodeSessionNotFound,
		CodeUnknownApproval:
		return http.StatusNotFound

	// Conflict - state doesn't allow operation
	case CodeGenerationAlreadyActive,
		CodeApprovalAlreadyPending,
		CodeStoreConflict:
		return http.StatusConflict

	case CodeRegistryClosed, CodeSubscriberLagging, CodeCanceled:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may blindly retry the failed operation.
//
// Store failures leave no observable partial effect, so they are always safe
// to retry; input and state errors need caller intervention first.
func (c Code) Retryable() bool {
	switch c {
	case CodeStoreWriteFailed, CodeStoreReadFailed, CodeStoreConflict,
		CodeRegistryClosed, CodeSubscriberLagging, CodeCanceled:
		return true
	default:
		return false
	}
}
