// Package fault classifies the failures that cross the bridge boundary.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindBridgeClosed      Kind = "bridge_closed"
	KindWorkerPanicked    Kind = "worker_panicked"
	KindTimeout           Kind = "timeout"
	KindUnreachable       Kind = "unreachable"
	KindAuthFailed        Kind = "auth_failed"
	KindUnsupportedQuery  Kind = "unsupported_query"
	KindInvalidQuery      Kind = "invalid_query"
	KindMalformedResponse Kind = "malformed_response"
	KindBackendError      Kind = "backend_error"
	KindUnknownTool       Kind = "unknown_tool"
	KindLoopLimitExceeded Kind = "loop_limit_exceeded"
	KindParseError        Kind = "parse_error"
)

// NoRow marks an error that is not scoped to a response row.
const NoRow = -1

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	// Row is the 0-based response row for KindMalformedResponse, NoRow otherwise.
	Row int
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Row >= 0 {
		msg += fmt.Sprintf(" (row %d)", e.Row)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Row: NoRow}
}

// Wrap creates an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Row: NoRow, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrBridgeClosed      = &Error{Kind: KindBridgeClosed, Row: NoRow}
	ErrWorkerPanicked    = &Error{Kind: KindWorkerPanicked, Row: NoRow}
	ErrTimeout           = &Error{Kind: KindTimeout, Row: NoRow}
	ErrUnreachable       = &Error{Kind: KindUnreachable, Row: NoRow}
	ErrAuthFailed        = &Error{Kind: KindAuthFailed, Row: NoRow}
	ErrUnsupportedQuery  = &Error{Kind: KindUnsupportedQuery, Row: NoRow}
	ErrInvalidQuery      = &Error{Kind: KindInvalidQuery, Row: NoRow}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse, Row: NoRow}
	ErrBackendError      = &Error{Kind: KindBackendError, Row: NoRow}
	ErrUnknownTool       = &Error{Kind: KindUnknownTool, Row: NoRow}
	ErrLoopLimitExceeded = &Error{Kind: KindLoopLimitExceeded, Row: NoRow}
	ErrParseError        = &Error{Kind: KindParseError, Row: NoRow}
)

// BridgeClosed reports a submit after teardown.
func BridgeClosed(name string) error {
	return New(KindBridgeClosed, "bridge %q is closed", name)
}

// WorkerPanicked reports that the worker of a bridge crashed.
func WorkerPanicked(name string, recovered interface{}) error {
	return New(KindWorkerPanicked, "bridge %q worker panicked: %v", name, recovered)
}

// Timeout wraps a deadline failure.
func Timeout(err error, op string) error {
	return Wrap(KindTimeout, err, "%s timed out", op)
}

// Unreachable wraps a connection-level failure.
func Unreachable(err error, format string, args ...interface{}) error {
	return Wrap(KindUnreachable, err, format, args...)
}

// AuthFailed reports rejected credentials.
func AuthFailed(format string, args ...interface{}) error {
	return New(KindAuthFailed, format, args...)
}

// UnsupportedQuery reports a filter shape the backend cannot express.
func UnsupportedQuery(format string, args ...interface{}) error {
	return New(KindUnsupportedQuery, format, args...)
}

// InvalidQuery reports a query or record that fails validation, such as
// start >= end or a negative limit.
func InvalidQuery(format string, args ...interface{}) error {
	return New(KindInvalidQuery, format, args...)
}

// MalformedResponse reports a schema violation at a given response row.
func MalformedResponse(row int, format string, args ...interface{}) error {
	e := New(KindMalformedResponse, format, args...)
	e.Row = row
	return e
}

// BackendError reports an error the backend itself returned.
func BackendError(format string, args ...interface{}) error {
	return New(KindBackendError, format, args...)
}

// UnknownTool reports a tool call naming an unregistered tool.
func UnknownTool(name string) error {
	return New(KindUnknownTool, "tool %q is not registered", name)
}

// LoopLimitExceeded reports a tool-call continuation that did not terminate.
func LoopLimitExceeded(limit int) error {
	return New(KindLoopLimitExceeded, "no terminal response after %d rounds", limit)
}

// ParseError wraps a generic decode failure.
func ParseError(err error, format string, args ...interface{}) error {
	return Wrap(KindParseError, err, format, args...)
}

// KindOf returns the kind of err, or "" if it is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RowOf returns the response row of a malformed-response error, or NoRow.
func RowOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Row
	}
	return NoRow
}

// Retryable reports whether a caller may reasonably retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnreachable:
		return true
	default:
		return false
	}
}

// Classify maps transport and deadline failures onto kinds. Classified errors
// pass through untouched. A cancelled context stays unclassified and is not
// retryable.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err, op)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err, op)
	}
	return Unreachable(err, "%s failed", op)
}

// IsBridgeClosed reports whether err is a BridgeClosed error.
func IsBridgeClosed(err error) bool { return errors.Is(err, ErrBridgeClosed) }

// IsWorkerPanicked reports whether err is a WorkerPanicked error.
func IsWorkerPanicked(err error) bool { return errors.Is(err, ErrWorkerPanicked) }

// IsTimeout reports whether err is a Timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsUnreachable reports whether err is an Unreachable error.
func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// IsAuthFailed reports whether err is an AuthFailed error.
func IsAuthFailed(err error) bool { return errors.Is(err, ErrAuthFailed) }

// IsMalformedResponse reports whether err is a MalformedResponse error.
func IsMalformedResponse(err error) bool { return errors.Is(err, ErrMalformedResponse) }

// IsLoopLimitExceeded reports whether err is a LoopLimitExceeded error.
func IsLoopLimitExceeded(err error) bool { return errors.Is(err, ErrLoopLimitExceeded) }
