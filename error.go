package derpnet

import (
	"fmt"

	"golang.org/x/xerrors"
)

// errorHandler returns a check function that aborts the calling function by
// panicking with a wrapped error, and a handle function, to be deferred, that
// recovers such panics and passes the error to fn. Other panics propagate.
func errorHandler(fn func(error)) (func(error, string), func()) {
	type localError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			panic(&localError{xerrors.Errorf("%s: %w", msg, err)})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		le, ok := e.(*localError)
		if !ok {
			panic(e)
		}
		fn(le.err)
	}
	return check, handle
}

// prefixErr adds details to a sentinel error while still matching it with
// errors.Is.
type prefixErr struct {
	err    error
	errmsg string
}

func prefixError(err error, format string, args ...interface{}) *prefixErr {
	return &prefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *prefixErr) Error() string {
	return e.errmsg
}

func (e *prefixErr) Unwrap() error {
	return e.err
}

// wrapErr matches the first error with Is, and unwraps into the second. Used
// for errors that belong to a broader class, like a bad ServerKey frame being
// a protocol error, or a rejection by a user-supplied check.
type wrapErr struct {
	err  error
	next error
}

func (e *wrapErr) Error() string {
	return e.err.Error() + ": " + e.next.Error()
}

func (e *wrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *wrapErr) Unwrap() error {
	return e.next
}
