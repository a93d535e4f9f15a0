package backend

import (
	"io"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewMemory(t *testing.T) {
	size := int64(1024)
	mem := NewMemory(size)

	assert.Equal(t, size, mem.Size())
	assert.Len(t, mem.data, int(size))
	assert.Len(t, mem.shards, 1)
	assert.False(t, mem.DirectIO())
	assert.True(t, mem.WriteCache())
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("Hello, blockif!")
	n, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	assert.Equal(t, testData, readBuf)
}

func TestMemoryAcrossShards(t *testing.T) {
	mem := NewMemory(4 * shardSize)
	defer mem.Close()

	data := make([]byte, 2*shardSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	off := int64(shardSize - 100)
	_, err := mem.WriteAt(data, off)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = mem.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	assert.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = mem.ReadAt(buf, 100)
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = mem.WriteAt([]byte("test"), 98)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 2, n)

	_, err = mem.WriteAt([]byte("test"), 101)
	assert.ErrorIs(t, err, unix.ENOSPC)

	_, err = mem.ReadAt(buf, -1)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	testData := []byte("Hello, World!")
	_, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)

	require.NoError(t, mem.Discard(0, 5))

	readBuf := make([]byte, len(testData))
	_, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5), readBuf[:5])
	assert.Equal(t, testData[5:], readBuf[5:])

	// Past the end is clamped, not an error.
	assert.NoError(t, mem.Discard(90, 50))
	assert.NoError(t, mem.Discard(200, 10))
}

func TestMemoryVectored(t *testing.T) {
	mem := NewMemory(4096)
	defer mem.Close()

	n, err := mem.WritevAt([][]byte{[]byte("abc"), []byte("defg")}, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	a, b := make([]byte, 2), make([]byte, 5)
	n, err = mem.ReadvAt([][]byte{a, b}, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "ab", string(a))
	assert.Equal(t, "cdefg", string(b))
}

func TestMemoryAlignmentEnforced(t *testing.T) {
	_, err := NewMemoryWithAlignment(8192, 3000)
	assert.Error(t, err)
	_, err = NewMemoryWithAlignment(1000, 512)
	assert.Error(t, err)

	mem, err := NewMemoryWithAlignment(1<<20, 4096)
	require.NoError(t, err)
	defer mem.Close()
	assert.True(t, mem.DirectIO())
	assert.Equal(t, 4096, mem.Alignment())

	block := make([]byte, 2*4096)
	shift := int(uintptr(unsafe.Pointer(&block[0])) & 4095)
	start := (4096 - shift) % 4096
	aligned := block[start : start+4096]

	_, err = mem.WriteAt(aligned, 4096)
	assert.NoError(t, err)

	_, err = mem.WriteAt(aligned[:512], 4096)
	assert.ErrorIs(t, err, unix.EINVAL, "misaligned length")

	_, err = mem.WriteAt(aligned, 100)
	assert.ErrorIs(t, err, unix.EINVAL, "misaligned offset")

	_, err = mem.ReadAt(block[start+1:start+4097], 0)
	assert.ErrorIs(t, err, unix.EINVAL, "misaligned base")
}

func TestMemoryWriteCacheToggle(t *testing.T) {
	mem := NewMemory(512)
	require.NoError(t, mem.SetWriteCache(false))
	assert.False(t, mem.WriteCache())
	require.NoError(t, mem.SetWriteCache(true))
	assert.True(t, mem.WriteCache())
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(512)
	require.NoError(t, mem.Close())
	assert.Error(t, mem.Close())

	_, err := mem.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.ErrorIs(t, mem.Flush(), unix.EBADF)
}

func TestMemoryConcurrent(t *testing.T) {
	mem := NewMemory(1 << 20)
	defer mem.Close()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]byte, 4096)
			for i := range buf {
				buf[i] = byte(w)
			}
			off := int64(w) * 65536
			for i := 0; i < 50; i++ {
				_, err := mem.WriteAt(buf, off)
				assert.NoError(t, err)
				got := make([]byte, 4096)
				_, err = mem.ReadAt(got, off)
				assert.NoError(t, err)
				assert.Equal(t, buf, got)
			}
		}(w)
	}
	wg.Wait()
}
