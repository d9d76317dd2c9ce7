// Package patcherr classifies failures of the update pipeline so callers can
// show one readable message while logging the full cause chain.
package patcherr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindIO              Kind = "io"
	KindNetwork         Kind = "network"
	KindDeserialization Kind = "deserialization"
	KindIntegrity       Kind = "integrity"
)

// Error is a classified failure of a single operation on a single path or URL.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s", e.Op, e.Path)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind, operation and path.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// IO wraps a local disk failure.
func IO(op, path string, err error) *Error {
	return New(KindIO, op, path, err)
}

// Network wraps a transport failure.
func Network(op, url string, err error) *Error {
	return New(KindNetwork, op, url, err)
}

// Deserialization wraps a malformed payload.
func Deserialization(op, path string, err error) *Error {
	return New(KindDeserialization, op, path, err)
}

// KindOf walks the error chain and returns the first kind found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message renders err as one line suitable for an end user.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	var prefix string
	switch e.Kind {
	case KindIO:
		prefix = "disk error"
	case KindNetwork:
		prefix = "network error"
	case KindDeserialization:
		prefix = "invalid manifest"
	case KindIntegrity:
		prefix = "corrupt download"
	default:
		return err.Error()
	}

	if e.Path != "" {
		return fmt.Sprintf("%s while trying to %s %s", prefix, e.Op, e.Path)
	}
	return fmt.Sprintf("%s while trying to %s", prefix, e.Op)
}
