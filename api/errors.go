// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy shared by the ring, scheduler, router and monitor layers.

package api

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrBusy            = errors.New("queue full")
	ErrEmpty           = errors.New("queue empty")
	ErrInvalidConfig   = errors.New("invalid queue configuration")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownOpcode   = errors.New("opcode not supported")
	ErrTimeout         = errors.New("command timed out")
	ErrAborted         = errors.New("command aborted")
	ErrConflictID      = errors.New("command id already in flight")
	ErrHalted          = errors.New("device halted")
	ErrNoQueue         = errors.New("no queue available")
	ErrNotConfigured   = errors.New("device not configured")
	ErrNotReady        = errors.New("queue not initialized by peer")
	ErrClosed          = errors.New("closed")
)

// ErrorCode classifies structured errors.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeInvalidConfiguration
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeProtocol
	ErrCodeHalted
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid-argument"
	case ErrCodeInvalidConfiguration:
		return "invalid-configuration"
	case ErrCodeResourceExhausted:
		return "resource-exhausted"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeHalted:
		return "halted"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
// Err, when set, is the sentinel the error matches under errors.Is.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap exposes the underlying sentinel.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap creates a structured error matching sentinel.
func Wrap(code ErrorCode, sentinel error, message string) *Error {
	e := NewError(code, message)
	e.Err = sentinel
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
