// Package symerr defines the typed error model shared by the elf, dwarf,
// and symbolize packages. Every leaf error is created with a Kind so
// callers can recover the cause (errors.Is-style) even after it has been
// wrapped several times on its way up through the resolver stack.
package symerr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Kind classifies why an operation failed. It is a closed set: new values
// are added here, never invented ad hoc at call sites.
type Kind int

const (
	Other Kind = iota
	NotFound
	PermissionDenied
	AlreadyExists
	WouldBlock
	InvalidInput
	InvalidData
	InvalidDwarf
	TimedOut
	WriteZero
	Unsupported
	UnexpectedEOF
	OutOfMemory
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	case AlreadyExists:
		return "already exists"
	case WouldBlock:
		return "would block"
	case InvalidInput:
		return "invalid input"
	case InvalidData:
		return "invalid data"
	case InvalidDwarf:
		return "invalid dwarf data"
	case TimedOut:
		return "timed out"
	case WriteZero:
		return "write zero"
	case Unsupported:
		return "unsupported"
	case UnexpectedEOF:
		return "unexpected eof"
	case OutOfMemory:
		return "out of memory"
	default:
		return "other"
	}
}

// Error is the handle every leaf failure in this module is built from. A
// *Error is a single pointer, cheap enough to return on every failing
// path without a second thought; the zero value is never used, nil means
// success.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

// Short renders only this error's own message, without the chain of
// causes. Useful for single-line log fields where the cause is logged
// separately (e.g. as a structured field).
func (e *Error) Short() string {
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns this error's own classification, ignoring any wrapped
// cause. Use KindOf to walk the chain.
func (e *Error) Kind() Kind {
	return e.kind
}

// New creates a leaf error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a leaf error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches context to an existing error. The returned error's Kind
// is the same as cause's Kind if cause is (or wraps) a *Error, and Other
// otherwise, so the original classification survives any number of wraps.
func Wrap(cause error, msg string) *Error {
	return &Error{kind: KindOf(cause), msg: msg, cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, format string, args ...any) *Error {
	return &Error{kind: KindOf(cause), msg: fmt.Sprintf(format, args...), cause: cause}
}

// Context is an instance method form of Wrap, used to chain context onto
// an error as it crosses a layer boundary: err = err.Context("...").
func (e *Error) Context(msg string) *Error {
	return &Error{kind: e.kind, msg: msg, cause: e}
}

func (e *Error) Contextf(format string, args ...any) *Error {
	return &Error{kind: e.kind, msg: fmt.Sprintf(format, args...), cause: e}
}

// KindOf walks err's cause chain looking for a *Error and returns its
// Kind. Errors that never pass through this package (a bare fmt.Errorf
// chain, say) report as Other rather than panicking or guessing.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Other
}

// FromIOError classifies a stdlib I/O failure (os.Open, file.Read, ...)
// into a Kind and wraps it, the same way the lowest layer of a syscall
// stack maps errno into a coarse category.
func FromIOError(err error) *Error {
	if err == nil {
		return nil
	}

	kind := Other
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = NotFound
	case errors.Is(err, fs.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, fs.ErrExist):
		kind = AlreadyExists
	case errors.Is(err, os.ErrDeadlineExceeded):
		kind = TimedOut
	case errors.Is(err, fs.ErrClosed):
		kind = InvalidInput
	}

	return &Error{kind: kind, msg: err.Error(), cause: err}
}
