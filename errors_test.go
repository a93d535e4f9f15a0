package blockif

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError(t *testing.T) {
	err := NewError("open", ErrCodeInvalidParameters, "queue count out of range")

	assert.Equal(t, "open", err.Op)
	assert.Equal(t, ErrCodeInvalidParameters, err.Code)
	assert.Equal(t, "blockif: queue count out of range (op=open)", err.Error())

	qerr := NewQueueError("read", "disk0", 2, ErrCodeIOError, "short")
	assert.Equal(t, "blockif: short (op=read, ident=disk0, queue=2)", qerr.Error())

	assert.Equal(t, "blockif: device busy", (&Error{Code: ErrCodeDeviceBusy, Queue: -1}).Error())
}

func TestWrapError(t *testing.T) {
	err := WrapError("open", syscall.ENOENT)

	assert.Equal(t, ErrCodeOpen, err.Code)
	assert.Equal(t, syscall.ENOENT, err.Errno)
	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.ErrorIs(t, err, ErrOpen)

	assert.Nil(t, WrapError("x", nil))

	// Errnos are found through fmt wrapping.
	err = WrapError("discard", fmt.Errorf("punch hole: %w", syscall.EOPNOTSUPP))
	assert.Equal(t, ErrCodeNotSupported, err.Code)
	assert.Equal(t, syscall.EOPNOTSUPP, err.Errno)

	// Structured errors keep their code.
	inner := NewError("a", ErrCodeDeviceBusy, "busy")
	err = WrapError("b", inner)
	assert.Equal(t, "b", err.Op)
	assert.Equal(t, ErrCodeDeviceBusy, err.Code)

	err = WrapError("c", errors.New("plain"))
	assert.Equal(t, ErrCodeIOError, err.Code)
}

func TestIOErrorPassThrough(t *testing.T) {
	err := ioError("write", "disk0", 1, syscall.EIO)
	assert.Equal(t, ErrCodeIOError, err.Code)
	assert.Equal(t, syscall.EIO, err.Errno)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.ErrorIs(t, err, ErrIO)

	// Even errnos that map to other codes stay I/O errors on the completion path.
	err = ioError("read", "", 0, syscall.ENOMEM)
	assert.Equal(t, ErrCodeIOError, err.Code)
}

func TestSentinelErrors(t *testing.T) {
	structured := &Error{Code: ErrCodeCanceled}
	assert.ErrorIs(t, structured, ErrCanceled)
	assert.NotErrorIs(t, structured, ErrCancelTooLate)
	assert.Equal(t, "blockif: context closed", ErrClosed.Error())
	assert.ErrorIs(t, fmt.Errorf("submit: %w", structured), &Error{Code: ErrCodeCanceled})
}

func TestMapErrnoToCode(t *testing.T) {
	tests := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.ENOENT, ErrCodeOpen},
		{syscall.EBUSY, ErrCodeDeviceBusy},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EOPNOTSUPP, ErrCodeNotSupported},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ECANCELED, ErrCodeCanceled},
		{syscall.EROFS, ErrCodeReadOnly},
		{syscall.EIO, ErrCodeIOError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, mapErrnoToCode(tt.errno), tt.errno.Error())
	}
}

func TestIsCodeAndErrno(t *testing.T) {
	err := NewErrorWithErrno("flush", ErrCodeIOError, syscall.EIO)

	assert.True(t, IsCode(err, ErrCodeIOError))
	assert.False(t, IsCode(err, ErrCodeClosed))
	assert.False(t, IsCode(nil, ErrCodeIOError))
	assert.True(t, IsErrno(err, syscall.EIO))
	assert.False(t, IsErrno(err, syscall.ENOSPC))
	assert.False(t, IsErrno(errors.New("x"), syscall.EIO))
}
