// Package errors implements registered module errors.
//
// Errors are identified by a (module, code) pair which must be unique
// within the process. The worker/host protocol only ever transports the
// error message, the pair is used locally to classify failures.
package errors

import (
	"errors"
	"fmt"
	"sync"
)

// CodeNoError is the reserved "no error" code.
const CodeNoError = 0

// Re-exports so this package can be used as a replacement for errors.
var (
	As     = errors.As
	Is     = errors.Is
	Unwrap = errors.Unwrap
)

var registeredErrors sync.Map

type codedError struct {
	module string
	code   uint32
	msg    string
}

func (e *codedError) Error() string {
	return e.msg
}

type errorWithContext struct {
	err     error
	context string
}

func (e *errorWithContext) Error() string {
	return fmt.Sprintf("%v: %s", e.err, e.context)
}

func (e *errorWithContext) Unwrap() error {
	return e.err
}

// WithContext creates a wrapped error that provides additional context.
func WithContext(err error, context string) error {
	if len(context) == 0 {
		return err
	}

	return &errorWithContext{
		err:     err,
		context: context,
	}
}

// New creates a new error.
//
// Module and code pair must be unique. If they are not, this method
// will panic.
func New(module string, code uint32, msg string) error {
	if code == CodeNoError {
		panic(fmt.Errorf("error: code reserved 'no error' code: %d", CodeNoError))
	}

	e := &codedError{
		module: module,
		code:   code,
		msg:    msg,
	}

	key := errorKey(module, code)
	if prev, isRegistered := registeredErrors.LoadOrStore(key, e); isRegistered {
		panic(fmt.Errorf("error: already registered: %s (existing: %s)", key, prev))
	}

	return e
}

// Code returns the module and code for the given error.
//
// In case the error was not created by New, an empty module name and
// CodeNoError are returned.
func Code(err error) (string, uint32) {
	var ce *codedError
	if !As(err, &ce) {
		return "", CodeNoError
	}
	return ce.module, ce.code
}

func errorKey(module string, code uint32) string {
	return fmt.Sprintf("%s-%d", module, code)
}
