package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// Generic
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Event log
	CodeVersionConflict  Code = "VERSION_CONFLICT"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeUnknownEventType Code = "UNKNOWN_EVENT_TYPE"
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"

	// Delivery and grading
	CodeHandlerFailed Code = "HANDLER_FAILED"
	CodeGradingFailed Code = "GRADING_FAILED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument, CodeUnknownEventType, CodeInvalidPayload:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	// Aborted tells clients to re-read and retry.
	case CodeVersionConflict:
		return codes.Aborted
	case CodeStorageFailure:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// UserMessage is the English text shown to callers for a code.
func (c Code) UserMessage() string {
	switch c {
	case CodeNotFound:
		return "The requested record does not exist."
	case CodeInvalidArgument, CodeInvalidPayload:
		return "The request is missing or has invalid fields."
	case CodeUnknownEventType:
		return "The event type is not recognized."
	case CodeVersionConflict:
		return "The record changed while you were editing it. Reload and try again."
	case CodeStorageFailure:
		return "The event log is temporarily unavailable."
	case CodeGradingFailed:
		return "The submission could not be graded."
	default:
		return "An unexpected error occurred."
	}
}
