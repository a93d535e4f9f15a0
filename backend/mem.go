// Package backend provides standard blockif store implementations
package backend

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blockif/internal/interfaces"
)

// shardSize is the lock granularity of the memory store. Requests touching
// different 64KB shards never contend.
const shardSize = 64 * 1024

// Memory provides a RAM-based store. The image is split into shards, each
// guarded by its own RWMutex, so concurrent queues scale.
//
// A memory store created with NewMemoryWithAlignment behaves like a file
// opened with O_DIRECT: every buffer address, length and offset must be a
// multiple of the alignment or the call fails with EINVAL.
type Memory struct {
	data      []byte
	size      int64
	shards    []sync.RWMutex
	alignment int

	writeCache atomic.Bool
	closed     atomic.Bool
}

// NewMemory creates a new memory store of the specified size
func NewMemory(size int64) *Memory {
	nshards := (size + shardSize - 1) / shardSize
	m := &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, nshards),
	}
	m.writeCache.Store(true)
	return m
}

// NewMemoryWithAlignment creates a memory store that enforces direct I/O
// alignment. alignment must be a power of two.
func NewMemoryWithAlignment(size int64, alignment int) (*Memory, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of two", alignment)
	}
	if size%int64(alignment) != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of alignment %d", size, alignment)
	}
	m := NewMemory(size)
	m.alignment = alignment
	return m, nil
}

func (m *Memory) checkAligned(p []byte, off int64) error {
	if m.alignment == 0 {
		return nil
	}
	mask := m.alignment - 1
	if len(p)&mask != 0 || int(off)&mask != 0 {
		return unix.EINVAL
	}
	if len(p) > 0 && int(uintptr(unsafe.Pointer(&p[0])))&mask != 0 {
		return unix.EINVAL
	}
	return nil
}

// lockRange locks every shard overlapping [off, end) in ascending order
func (m *Memory) lockRange(off, end int64, write bool) func() {
	first := off / shardSize
	last := (end - 1) / shardSize
	for i := first; i <= last; i++ {
		if write {
			m.shards[i].Lock()
		} else {
			m.shards[i].RLock()
		}
	}
	return func() {
		for i := first; i <= last; i++ {
			if write {
				m.shards[i].Unlock()
			} else {
				m.shards[i].RUnlock()
			}
		}
	}
}

// ReadAt implements the Store interface. Reads past the end return a short
// count and no error.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, unix.EBADF
	}
	if off < 0 {
		return 0, unix.EINVAL
	}
	if err := m.checkAligned(p, off); err != nil {
		return 0, err
	}
	if off >= m.size || len(p) == 0 {
		return 0, nil
	}

	// Calculate how much we can actually read
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	unlock := m.lockRange(off, off+int64(len(p)), false)
	n := copy(p, m.data[off:off+int64(len(p))])
	unlock()
	return n, nil
}

// WriteAt implements the Store interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, unix.EBADF
	}
	if off < 0 {
		return 0, unix.EINVAL
	}
	if err := m.checkAligned(p, off); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= m.size {
		return 0, unix.ENOSPC
	}

	short := false
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
		short = true
	}

	unlock := m.lockRange(off, off+int64(len(p)), true)
	n := copy(m.data[off:off+int64(len(p))], p)
	unlock()

	if short {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadvAt implements the VectoredStore interface
func (m *Memory) ReadvAt(iov [][]byte, off int64) (int, error) {
	total := 0
	for _, seg := range iov {
		n, err := m.ReadAt(seg, off+int64(total))
		total += n
		if err != nil || n < len(seg) {
			return total, err
		}
	}
	return total, nil
}

// WritevAt implements the VectoredStore interface
func (m *Memory) WritevAt(iov [][]byte, off int64) (int, error) {
	total := 0
	for _, seg := range iov {
		n, err := m.WriteAt(seg, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Size implements the Store interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Store interface
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return unix.EBADF
	}
	return nil
}

// Flush implements the Store interface. Memory needs no flushing.
func (m *Memory) Flush() error {
	if m.closed.Load() {
		return unix.EBADF
	}
	return nil
}

// Discard implements the DiscardStore interface. Discarded ranges read
// back as zeroes.
func (m *Memory) Discard(offset, length int64) error {
	if m.closed.Load() {
		return unix.EBADF
	}
	if offset < 0 || length < 0 {
		return unix.EINVAL
	}
	if offset >= m.size || length == 0 {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	unlock := m.lockRange(offset, end, true)
	clear(m.data[offset:end])
	unlock()
	return nil
}

// DirectIO implements the DirectStore interface
func (m *Memory) DirectIO() bool {
	return m.alignment > 0
}

// Alignment implements the DirectStore interface
func (m *Memory) Alignment() int {
	if m.alignment == 0 {
		return 1
	}
	return m.alignment
}

// WriteCache implements the WriteCacheStore interface
func (m *Memory) WriteCache() bool {
	return m.writeCache.Load()
}

// SetWriteCache implements the WriteCacheStore interface. The flag is
// recorded only; memory writes are always immediately visible.
func (m *Memory) SetWriteCache(enabled bool) error {
	m.writeCache.Store(enabled)
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Store           = (*Memory)(nil)
	_ interfaces.DiscardStore    = (*Memory)(nil)
	_ interfaces.VectoredStore   = (*Memory)(nil)
	_ interfaces.DirectStore     = (*Memory)(nil)
	_ interfaces.WriteCacheStore = (*Memory)(nil)
)
