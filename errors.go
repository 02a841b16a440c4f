package clustermq

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by this module matches exactly one of them
// with errors.Is.
var (
	// Handshake version/role mismatch or truncated greeting; fatal to the connection attempt.
	ErrProtocol = errors.New("protocol error")
	// The peer never answered within the configured bound.
	ErrTimeout = errors.New("timeout")
	// Unexpected end of stream or corrupt frame header; the connection must be dropped.
	ErrFraming = errors.New("framing error")
	// No serializer or deserializer registered for a type id.
	ErrSerialization = errors.New("serialization error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfRange      = errors.New("argument out of range")
	// A wait was cancelled through its context.
	ErrCancelled    = errors.New("cancelled")
	ErrAlreadyBound = errors.New("endpoint already bound")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("closed")
)

/*
Error carries the kind of a failure (one of the Err* variables), the operation
that failed and, optionally, the underlying cause.

	if errors.Is(err, clustermq.ErrProtocol) { ... }
*/
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError returns an *Error of the given kind.
func NewError(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError returns an *Error of the given kind wrapping cause. It returns nil if cause is nil.
func WrapError(kind error, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the kind of err, or nil if err was not produced by this module.
func KindOf(err error) error {
	for _, k := range []error{ErrProtocol, ErrTimeout, ErrFraming, ErrSerialization,
		ErrInvalidArgument, ErrOutOfRange, ErrCancelled, ErrAlreadyBound, ErrNotConnected, ErrClosed} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
