// Package ib wraps native verbs resources in exclusive-ownership handle
// types and drives reliable-connected queue pairs through the connection
// handshake. All operations are synchronous: each issues one blocking
// native call through the injected capability table and returns or fails
// before handing control back.
package ib

import (
	"fmt"

	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// SystemError wraps a native error code together with the operation that
// produced it. Any failed native call (open, query, create, modify,
// destroy) surfaces as a SystemError.
type SystemError struct {
	Op   string
	Code verbs.Errno
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s (errno %d)", e.Op, e.Code, int32(e.Code))
}

// Unwrap exposes the native code for errors.Is/As matching.
func (e *SystemError) Unwrap() error {
	return e.Code
}

// ErrClosedHandle indicates a nil or already-closed handle was used.
type ErrClosedHandle struct {
	Resource string
}

func (e ErrClosedHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// The three adapters below are the only seam between this package and the
// native layer: one for handle-producing calls, one for status-returning
// calls, one for calls that cannot fail. Every native invocation goes
// through one of them so error surfacing stays uniform.

func checkHandle[T any](op string, call func() (T, verbs.Errno)) (T, error) {
	v, errno := call()
	if errno != verbs.OK {
		var zero T
		return zero, &SystemError{Op: op, Code: errno}
	}
	return v, nil
}

func checkStatus(op string, call func() verbs.Errno) error {
	if errno := call(); errno != verbs.OK {
		return &SystemError{Op: op, Code: errno}
	}
	return nil
}

func checkVoid(call func()) {
	call()
}
