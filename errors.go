package blockif

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured blockif error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "open", "write")
	Ident string        // Context identifier ("" if not applicable)
	Queue int           // Queue number (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Host errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Ident != "" {
		parts = append(parts, fmt.Sprintf("ident=%s", e.Ident))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("blockif: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("blockif: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel codes and other structured errors by code
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// ErrorCode represents high-level error categories. Codes are errors
// themselves so they can be matched with errors.Is.
type ErrorCode string

const (
	ErrCodeOpen               ErrorCode = "open failed"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeCanceled           ErrorCode = "request canceled"
	ErrCodeTooLate            ErrorCode = "request already executing"
	ErrCodeClosed             ErrorCode = "context closed"
	ErrCodeReadOnly           ErrorCode = "read-only context"
)

func (c ErrorCode) Error() string {
	return "blockif: " + string(c)
}

// Sentinel errors for errors.Is
var (
	ErrOpen               error = ErrCodeOpen
	ErrInvalidParameters  error = ErrCodeInvalidParameters
	ErrInsufficientMemory error = ErrCodeInsufficientMemory
	ErrIO                 error = ErrCodeIOError
	ErrNotSupported       error = ErrCodeNotSupported
	ErrBusy               error = ErrCodeDeviceBusy
	ErrCanceled           error = ErrCodeCanceled
	ErrCancelTooLate      error = ErrCodeTooLate
	ErrClosed             error = ErrCodeClosed
	ErrReadOnly           error = ErrCodeReadOnly
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, ident string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Ident: ident,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with blockif context, mapping host
// errnos to codes
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var be *Error
	if errors.As(inner, &be) {
		wrapped := *be
		wrapped.Op = op
		return &wrapped
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// ioError wraps a host error from the completion path. The code is always
// ErrCodeIOError; the errno is preserved.
func ioError(op string, ident string, queue int, inner error) *Error {
	e := &Error{
		Op:    op,
		Ident: ident,
		Queue: queue,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// mapErrnoToCode maps host errno to blockif error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENXIO, syscall.ENODEV, syscall.EPERM, syscall.EACCES:
		return ErrCodeOpen
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENOMEM:
		return ErrCodeInsufficientMemory
	case syscall.ECANCELED:
		return ErrCodeCanceled
	case syscall.EROFS:
		return ErrCodeReadOnly
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
