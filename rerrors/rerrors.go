// Package rerrors implements the error-kind taxonomy of spec §7: errors
// the rest of this module raises are classified into one of five kinds so
// cmd/recc can map them onto exit codes without string-matching.
package rerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of exit-code mapping.
type Kind int

const (
	// Io covers local filesystem failures: stat, read, write, mkdir,
	// readlink.
	Io Kind = iota
	// Protocol covers malformed server responses or an unexpected
	// Operation shape.
	Protocol
	// Rpc covers a non-OK gRPC status surviving the retry engine.
	Rpc
	// Precondition covers misuse of this module's own API.
	Precondition
	// Cancelled means SIGINT was observed; it is always terminal.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "Io"
	case Protocol:
		return "Protocol"
	case Rpc:
		return "Rpc"
	case Precondition:
		return "Precondition"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with its Kind, and for Rpc the gRPC
// status code that produced it.
type Error struct {
	Kind    Kind
	Code    string // gRPC status code name, set only for Kind == Rpc
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// WrapRpc builds a Kind == Rpc Error carrying the status code name.
func WrapRpc(code string, cause error) *Error {
	return &Error{Kind: Rpc, Code: code, Message: cause.Error(), Cause: cause}
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
