// Package gwerrors implements the error taxonomy shared by every component
// of the gateway core. Components never return a bare error across a public
// boundary; they wrap it as an *Error carrying one of the Codes below.
package gwerrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a closed enumeration; new values require a spec change, not a
// string literal somewhere in the core.
type Code string

const (
	InvalidArgument    Code = "InvalidArgument"
	NotFound           Code = "NotFound"
	AlreadyExists      Code = "AlreadyExists"
	ResourceExhausted  Code = "ResourceExhausted"
	PreconditionFailed Code = "PreconditionFailed"
	Timeout            Code = "Timeout"
	Cancelled          Code = "Cancelled"
	WorkerUnavailable  Code = "WorkerUnavailable"
	WorkerFailed       Code = "WorkerFailed"
	Transport          Code = "Transport"
	GenerationError    Code = "GenerationError"
	Internal           Code = "Internal"
)

// Retryable reports whether C2 is permitted to retry a request that failed
// with this code. This is the closed set fixed by the Open Question in
// spec.md §9: Timeout, WorkerUnavailable, and WorkerFailed only.
func (c Code) Retryable() bool {
	switch c {
	case Timeout, WorkerUnavailable, WorkerFailed:
		return true
	default:
		return false
	}
}

// genericInternalMessage is returned to callers for Internal errors; the
// real cause is logged but never surfaced, per §6 ("No stack traces, file
// paths, environment variables, or internal symbol names").
const genericInternalMessage = "an internal error occurred"

// Error is the user-visible error object carried on the wire and returned
// from every public operation.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the underlying error for logging, never for display.
func (e *Error) Cause() error { return e.cause }

// New builds a user-visible error with the given code and message. The
// message must not contain internal details; use Wrap for that.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches an internal cause to a generic Internal error. The cause is
// retained only for logging via Cause(); Error() never includes it.
func Wrap(cause error, context string) *Error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return &Error{Code: Internal, Message: genericInternalMessage, cause: fmt.Errorf("%s: %w", context, cause)}
}

// As extracts an *Error from a generic error, or synthesizes an Internal one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: Internal, Message: genericInternalMessage, cause: err}
}

// GRPCCode maps a taxonomy Code to the nearest google.golang.org/grpc/codes
// value, following the same reason-to-code mapping idiom as the teacher's
// controller/api/util.GRPCError.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case ResourceExhausted:
		return codes.ResourceExhausted
	case PreconditionFailed:
		return codes.FailedPrecondition
	case Timeout:
		return codes.DeadlineExceeded
	case Cancelled:
		return codes.Canceled
	case WorkerUnavailable:
		return codes.Unavailable
	case WorkerFailed:
		return codes.Unavailable
	case Transport:
		return codes.Unavailable
	case GenerationError:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// ToGRPCStatus converts an *Error into a gRPC status error, for components
// that expose a gRPC-shaped front-end over this core (out of scope for the
// core itself, but this keeps the taxonomy directly reusable by one).
func ToGRPCStatus(err error) error {
	e := As(err)
	if e == nil {
		return nil
	}
	msg := e.Message
	if e.Code == Internal {
		msg = genericInternalMessage
	}
	return status.Error(e.GRPCCode(), msg)
}

// Is allows errors.Is(err, gwerrors.Timeout) style comparisons against a bare
// Code value.
func (c Code) Is(err error) bool {
	e := As(err)
	return e != nil && e.Code == c
}
