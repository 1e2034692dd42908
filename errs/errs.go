// Package errs defines the error taxonomy shared across iocore (spec §7):
// a small set of Kinds, each carrying an optional wrapped cause, matched
// with errors.Is/errors.As rather than sentinel string comparison.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an iocore error. It is not a Go error itself; Error wraps
// a Kind together with a message and optional cause.
type Kind int

const (
	// Unknown is the zero value; code should never intentionally produce it.
	Unknown Kind = iota

	// MalformedInput indicates a URI grammar violation (spec §4.1, §6).
	MalformedInput

	// InvalidArgument indicates a builder was given both QueryString and
	// QueryParams (spec §4.2).
	InvalidArgument

	// OutOfMemory indicates allocator or message-pool exhaustion.
	OutOfMemory

	// CantAcceptInput is a fatal programmer error: something dispatched a
	// read-direction message into a handler that is terminal in that
	// direction (spec §4.4, process_read_message).
	CantAcceptInput

	// ReadWouldBlock indicates a transient, non-fatal "no data yet" result
	// from a non-blocking socket read.
	ReadWouldBlock

	// SocketError wraps any other socket read/write failure. sockethandler
	// escalates it to channel shutdown when it comes from a read or a write
	// completion (spec §4.4, §7); a synchronous AsyncWrite rejection is
	// returned to the caller instead.
	SocketError

	// SocketClosed is delivered to write-queue entries that are failed
	// during a WRITE-direction shutdown drain (spec §4.4).
	SocketClosed
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed input"
	case InvalidArgument:
		return "invalid argument"
	case OutOfMemory:
		return "out of memory"
	case CantAcceptInput:
		return "cannot accept input"
	case ReadWouldBlock:
		return "read would block"
	case SocketError:
		return "socket error"
	case SocketClosed:
		return "socket closed"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type produced by iocore packages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// OfKind reports whether err (or something it wraps) carries the given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
