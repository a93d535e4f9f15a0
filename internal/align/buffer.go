package align

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrOutOfMemory is returned when a bounce buffer cannot be allocated.
var ErrOutOfMemory = errors.New("bounce buffer allocation failed")

// Buffer is an aligned scratch buffer holding one bounce window.
// It is owned by exactly one in-flight request and released once.
type Buffer struct {
	data   []byte
	pooled *[]byte
	class  int
	mapped []byte

	released atomic.Bool
}

// Bytes returns the aligned window. Its length is the planned BoundedSize.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the window length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Head returns the leading alignment block of the window.
func (b *Buffer) Head(info Info) []byte {
	return b.data[:info.Alignment]
}

// Tail returns the trailing alignment block of the window.
func (b *Buffer) Tail(info Info) []byte {
	return b.data[len(b.data)-info.Alignment:]
}

// Payload returns the caller-visible part of the window.
func (b *Buffer) Payload(info Info) []byte {
	return b.data[info.Head : info.Head+info.OrgSize]
}

// Manager allocates and recycles bounce buffers.
type Manager struct {
	pool  *bufferPool
	limit int64
	inUse atomic.Int64
	total atomic.Uint64
}

// NewManager creates a manager. A positive limit caps the number of bytes
// held by outstanding buffers; Acquire fails with ErrOutOfMemory beyond it.
func NewManager(limit int64) *Manager {
	return &Manager{
		pool:  newBufferPool(),
		limit: limit,
	}
}

// Acquire returns a buffer of info.BoundedSize bytes whose address is a
// multiple of info.Alignment.
func (m *Manager) Acquire(info Info) (*Buffer, error) {
	size := info.BoundedSize
	if size <= 0 || !IsPowerOfTwo(info.Alignment) {
		return nil, fmt.Errorf("invalid bounce geometry size=%d alignment=%d", size, info.Alignment)
	}

	if m.limit > 0 {
		if m.inUse.Add(int64(size)) > m.limit {
			m.inUse.Add(-int64(size))
			return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrOutOfMemory, size, m.limit)
		}
	} else {
		m.inUse.Add(int64(size))
	}

	buf, err := m.alloc(size, info.Alignment)
	if err != nil {
		m.inUse.Add(-int64(size))
		return nil, err
	}
	m.total.Add(1)
	return buf, nil
}

func (m *Manager) alloc(size, alignment int) (*Buffer, error) {
	if c := classFor(size, alignment); c >= 0 {
		p := m.pool.get(c)
		return &Buffer{data: (*p)[:size], pooled: p, class: c}, nil
	}

	if alignment <= os.Getpagesize() {
		// Anonymous mappings are page aligned and give ENOMEM back instead
		// of aborting the process.
		mapped, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, size, err)
		}
		return &Buffer{data: mapped, mapped: mapped, class: -1}, nil
	}

	return &Buffer{data: allocAligned(size, alignment), class: -1}, nil
}

// Release returns b to the manager. Releasing the same buffer twice is a no-op.
func (m *Manager) Release(b *Buffer) {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	m.inUse.Add(-int64(len(b.data)))

	switch {
	case b.pooled != nil:
		m.pool.put(b.class, b.pooled)
	case b.mapped != nil:
		_ = unix.Munmap(b.mapped)
	}
	b.data = nil
	b.pooled = nil
	b.mapped = nil
}

// InUse returns the number of bytes held by outstanding buffers.
func (m *Manager) InUse() int64 {
	return m.inUse.Load()
}

// Allocations returns the number of successful Acquire calls.
func (m *Manager) Allocations() uint64 {
	return m.total.Load()
}

// CopyIn gathers iov into dst and returns the number of bytes copied.
func CopyIn(dst []byte, iov [][]byte) int {
	n := 0
	for _, seg := range iov {
		if n >= len(dst) {
			break
		}
		n += copy(dst[n:], seg)
	}
	return n
}

// CopyOut scatters src across iov in order and returns the number of bytes copied.
func CopyOut(iov [][]byte, src []byte) int {
	n := 0
	for _, seg := range iov {
		if n >= len(src) {
			break
		}
		n += copy(seg, src[n:])
	}
	return n
}
