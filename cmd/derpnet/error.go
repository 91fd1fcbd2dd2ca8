package main

import (
	"golang.org/x/xerrors"
)

// errorHandler returns a check function that aborts the current goroutine's
// function with an error, and a handle function to defer that passes the
// error to fn. Used for per-connection goroutines that must not exit the
// program.
func errorHandler(fn func(error)) (func(error, string), func()) {
	type connError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			panic(&connError{xerrors.Errorf("%s: %w", msg, err)})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		ce, ok := e.(*connError)
		if !ok {
			panic(e)
		}
		fn(ce.err)
	}
	return check, handle
}
