// Package kerr defines the stable error-kind taxonomy the kernel core
// returns from every syscall and internal API (see spec §7). There is
// no exception-like unwind in the core: every fallible operation returns
// a Kind, optionally wrapped with additional context via pkg/errors.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the finite taxonomy of §7. Values are stable and may be
// compared directly by callers; they also map onto the syscall return
// codes crossing the userspace boundary in internal/syscall.
type Kind int

const (
	OK Kind = iota
	InvalidArgument
	NoMemory
	NotFound
	AlreadyExists
	Busy
	WouldBlock
	TimedOut
	Permission
	BadHandle
	NoSpace
	Overflow
	NoData
	Aborted
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case InvalidArgument:
		return "invalid-argument"
	case NoMemory:
		return "no-memory"
	case NotFound:
		return "not-found"
	case AlreadyExists:
		return "already-exists"
	case Busy:
		return "busy"
	case WouldBlock:
		return "would-block"
	case TimedOut:
		return "timed-out"
	case Permission:
		return "permission"
	case BadHandle:
		return "bad-handle"
	case NoSpace:
		return "no-space"
	case Overflow:
		return "overflow"
	case NoData:
		return "no-data"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Error carries a Kind plus an optional wrapped cause. It satisfies the
// standard error interface and github.com/pkg/errors' Causer interface
// so fatal paths can still print a stack trace via errors.Wrap while
// routine callers switch on Kind().
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Cause implements github.com/pkg/errors' Causer interface.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/errors.As from the standard library too.
func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the stable taxonomy code carried by err, or
// InvalidArgument if err is not a *Error (a programming error — callers
// should only ever receive *Error from kernel APIs).
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var ke *Error
	if e, ok := err.(*Error); ok {
		ke = e
	} else if e, ok := errors.Cause(err).(*Error); ok {
		ke = e
	} else {
		return InvalidArgument
	}
	return ke.kind
}

// New builds a Kind-tagged error with no wrapped cause, matching the
// teacher's plain fmt.Errorf style for non-fatal local failures.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause
// via pkg/errors so fatal paths retain a stack trace in Cause().
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err is a kerr.Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
