//go:build linux

package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestFileOpenProbe(t *testing.T) {
	path := newImage(t, 1<<20)

	f, err := OpenFile(path, FileConfig{})
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(1<<20), f.Size())
	assert.Equal(t, 512, f.SectorSize())
	psz, poff := f.PhysicalSector()
	assert.GreaterOrEqual(t, psz, 512)
	assert.Zero(t, poff)
	assert.False(t, f.DirectIO())
	assert.False(t, f.BlockDevice())
	assert.True(t, f.WriteCache())
	assert.NotZero(t, f.Fd())
}

func TestFileReadWrite(t *testing.T) {
	path := newImage(t, 64*1024)

	f, err := OpenFile(path, FileConfig{})
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello file"), 100)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got := make([]byte, 10)
	n, err = f.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "hello file", string(got))

	n, err = f.WritevAt([][]byte{[]byte("ab"), []byte("cd")}, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	a, b := make([]byte, 3), make([]byte, 1)
	n, err = f.ReadvAt([][]byte{a, b}, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abc", string(a))
	assert.Equal(t, "d", string(b))

	require.NoError(t, f.Flush())
}

func TestFileShortReadAtEOF(t *testing.T) {
	path := newImage(t, 1000)

	f, err := OpenFile(path, FileConfig{})
	require.NoError(t, err)
	defer f.Close()

	n, err := f.ReadAt(make([]byte, 512), 800)
	require.NoError(t, err)
	assert.Equal(t, 200, n)
}

func TestFileReadOnly(t *testing.T) {
	path := newImage(t, 4096)

	f, err := OpenFile(path, FileConfig{ReadOnly: true})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("x"), 0)
	assert.Error(t, err)
}

func TestFileWriteThrough(t *testing.T) {
	path := newImage(t, 4096)

	f, err := OpenFile(path, FileConfig{WriteThrough: true})
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, f.WriteCache())
	_, err = f.WriteAt([]byte("sync"), 0)
	require.NoError(t, err)

	require.NoError(t, f.SetWriteCache(true))
	assert.True(t, f.WriteCache())
}

func TestFileDiscard(t *testing.T) {
	path := newImage(t, 64*1024)

	f, err := OpenFile(path, FileConfig{})
	require.NoError(t, err)
	defer f.Close()

	data := make([]byte, 8192)
	for i := range data {
		data[i] = 0xab
	}
	_, err = f.WriteAt(data, 0)
	require.NoError(t, err)

	if err := f.Discard(0, 4096); err != nil {
		t.Skipf("filesystem does not support hole punching: %v", err)
	}

	got := make([]byte, 8192)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got[:4096])
	assert.Equal(t, data[4096:], got[4096:])
	assert.Equal(t, int64(64*1024), f.Size())
}

func TestFileDirect(t *testing.T) {
	path := newImage(t, 1<<20)

	f, err := OpenFile(path, FileConfig{Direct: true})
	if err != nil {
		t.Skipf("O_DIRECT not supported here: %v", err)
	}
	defer f.Close()

	assert.True(t, f.DirectIO())
	alignment := f.Alignment()
	assert.GreaterOrEqual(t, alignment, 512)
	assert.Zero(t, alignment&(alignment-1))
}

func TestFileOpenErrors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing"), FileConfig{})
	assert.Error(t, err)

	_, err = OpenFile(t.TempDir(), FileConfig{ReadOnly: true})
	assert.Error(t, err, "directories are not stores")
}
