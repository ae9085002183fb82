// Package errors defines the action server error taxonomy.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the error domain reported in gRPC error details.
const Domain = "actiond"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Parameter validation
	CodeMissingParameter Code = "MISSING_PARAMETER"
	CodeInvalidParameter Code = "INVALID_PARAMETER"
	CodeOutOfRange       Code = "OUT_OF_RANGE"
	CodePathNotAllowed   Code = "PATH_NOT_ALLOWED"

	// Registry
	CodeActionNotFound       Code = "ACTION_NOT_FOUND"
	CodeDefinitionParseError Code = "DEFINITION_PARSE_ERROR"

	// Execution
	CodeProcessFailure Code = "PROCESS_FAILURE"

	// Management
	CodeNotFound  Code = "NOT_FOUND"
	CodeNoProcess Code = "NO_PROCESS"

	CodeInternal Code = "INTERNAL"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeMissingParameter, CodeInvalidParameter, CodeOutOfRange:
		return codes.InvalidArgument
	case CodePathNotAllowed:
		return codes.PermissionDenied
	case CodeActionNotFound, CodeNotFound:
		return codes.NotFound
	case CodeDefinitionParseError, CodeNoProcess:
		return codes.FailedPrecondition
	case CodeProcessFailure:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

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

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMetadata creates a domain error carrying metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain. A bare context
// cancellation is INTERNAL; anything else is CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return CodeInternal
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// ToGRPCStatus converts the error to a gRPC status with an ErrorInfo detail.
func (e *Error) ToGRPCStatus() error {
	st := status.New(e.Code.GRPCCode(), e.Error())
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: e.Metadata,
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ToGRPC converts any error to a gRPC status error.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.ToGRPCStatus()
	}
	return status.Error(codes.Internal, err.Error())
}
