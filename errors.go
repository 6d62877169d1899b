package pessimism

import (
	"errors"
	"strconv"
	"strings"
)

// Error is the pessimism error domain type.
//
// Errors from pessimism packages can be inspected with [errors.As] as an *Error
// somewhere in the chain, and with [errors.Is] against an [ErrorKind].
//
// An Error is created where the problem is found (validating a record, opening
// a database, refusing a scoped lock). Intermediate layers wrap it with
// [fmt.Errorf] and a "%w" verb.
//
// Contention is not an error: [liblock.Manager.Acquire] reports it as a false
// return. It only becomes an Error of kind [ErrConflict] in the scoped helpers
// of package lockable, and then Held describes the lock in the way, when it
// could be found.
type Error struct {
	Inner   error
	Held    *Lock
	Kind    ErrorKind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
//
// The format is "Op [kind]: Message (held by "holder"): Inner", with absent
// parts left out. An Error with neither Op nor Message prints as Inner.
func (e *Error) Error() string {
	if e.Op == "" && e.Message == "" {
		if e.Inner == nil {
			return "[" + e.Kind.label() + "]"
		}
		return e.Inner.Error()
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteByte(' ')
	}
	b.WriteString("[" + e.Kind.label() + "]: ")
	b.WriteString(e.Message)
	if e.Held != nil {
		b.WriteString(" (held by ")
		b.WriteString(strconv.Quote(e.Held.Holder))
		b.WriteByte(')')
	}
	if e.Inner != nil {
		if e.Message != "" || e.Held != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] against an [ErrorKind].
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// HeldBy reports the holder of the lock that caused a conflict, if the
// error chain has one.
func HeldBy(err error) (string, bool) {
	var e *Error
	for errors.As(err, &e) {
		if e.Held != nil {
			return e.Held.Holder, true
		}
		err = e.Inner
	}
	return "", false
}

// ErrorKind is a class of error to check against with [errors.Is].
//
// When unsure which kind applies, use ErrInternal.
type ErrorKind string

// Defined error kinds.
var (
	ErrConflict     = ErrorKind("conflict")     // lock held elsewhere
	ErrInternal     = ErrorKind("internal")     // non-specific internal error
	ErrInvalid      = ErrorKind("invalid")      // invalid request or record
	ErrPrecondition = ErrorKind("precondition") // some precondition unfulfilled
	ErrTransient    = ErrorKind("transient")    // may succeed on retry
	ErrPermanent    = ErrorKind("permanent")    // will never succeed
)

// Error implements error.
func (k ErrorKind) Error() string {
	return string(k)
}

// Label is the kind as printed in an Error, with unknown kinds as "???".
func (k ErrorKind) label() string {
	switch k {
	case ErrConflict, ErrInternal, ErrInvalid, ErrPrecondition, ErrTransient, ErrPermanent:
		return string(k)
	}
	return "???"
}
