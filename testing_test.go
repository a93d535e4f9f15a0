package blockif

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore(t *testing.T) {
	m := NewMockStore(4096)

	n, err := m.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = m.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	// Reads past the end are short, writes past the end fail
	n, err = m.ReadAt(make([]byte, 100), 4090)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = m.WriteAt([]byte("x"), 4096)
	assert.ErrorIs(t, err, syscall.ENOSPC)

	require.NoError(t, m.Discard(10, 5))
	assert.Equal(t, make([]byte, 5), m.Bytes()[10:15])

	require.NoError(t, m.Flush())
	assert.True(t, m.IsFlushed())

	counts := m.CallCounts()
	assert.Equal(t, 2, counts["read"])
	assert.Equal(t, 2, counts["write"])
	assert.Equal(t, 1, counts["flush"])
	assert.Equal(t, 1, counts["discard"])

	m.Reset()
	assert.Zero(t, m.CallCounts()["read"])
	assert.False(t, m.IsFlushed())

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
	assert.ErrorIs(t, m.Close(), syscall.EBADF)
	_, err = m.ReadAt(buf, 0)
	assert.ErrorIs(t, err, syscall.EBADF)
}

func TestMockStoreErrorInjection(t *testing.T) {
	m := NewMockStore(4096)

	m.SetReadError(syscall.EIO)
	_, err := m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, syscall.EIO)

	m.SetWriteError(syscall.EROFS)
	_, err = m.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, syscall.EROFS)

	m.SetFlushError(syscall.EIO)
	assert.ErrorIs(t, m.Flush(), syscall.EIO)
	assert.False(t, m.IsFlushed())

	m.SetDiscardError(syscall.EOPNOTSUPP)
	assert.ErrorIs(t, m.Discard(0, 512), syscall.EOPNOTSUPP)

	m.SetReadError(nil)
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.NoError(t, err)

	assert.True(t, m.WriteCache())
	require.NoError(t, m.SetWriteCache(false))
	assert.False(t, m.WriteCache())
}
