package blockif

import (
	"sync"
	"syscall"
	"time"
)

// MockStore provides a mock implementation of Store for testing.
// It implements DiscardStore and WriteCacheStore, tracks method calls for
// verification and can inject host errors.
type MockStore struct {
	data       []byte
	size       int64
	closed     bool
	flushed    bool
	writeCache bool

	readErr    error
	writeErr   error
	flushErr   error
	discardErr error
	delay      time.Duration

	// Method call tracking
	mu           sync.RWMutex
	readCalls    int
	writeCalls   int
	flushCalls   int
	discardCalls int
}

// NewMockStore creates a new mock store with the specified size.
// This is useful for unit testing device models built on a Context.
func NewMockStore(size int64) *MockStore {
	return &MockStore{
		data:       make([]byte, size),
		size:       size,
		writeCache: true,
	}
}

func (m *MockStore) pause() {
	if d := m.delay; d > 0 {
		time.Sleep(d)
	}
}

// ReadAt implements the Store interface
func (m *MockStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	m.pause()

	if m.closed {
		return 0, syscall.EBADF
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off >= m.size {
		return 0, nil
	}

	// Calculate how much we can actually read
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Store interface
func (m *MockStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	m.pause()

	if m.closed {
		return 0, syscall.EBADF
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if off >= m.size {
		return 0, syscall.ENOSPC
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Store interface
func (m *MockStore) Size() int64 {
	return m.size
}

// Close implements the Store interface
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return syscall.EBADF
	}
	m.closed = true
	return nil
}

// Flush implements the Store interface
func (m *MockStore) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	m.pause()

	if m.flushErr != nil {
		return m.flushErr
	}
	m.flushed = true
	return nil
}

// Discard implements the DiscardStore interface
func (m *MockStore) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardCalls++

	if m.discardErr != nil {
		return m.discardErr
	}
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[offset:end])
	return nil
}

// WriteCache implements the WriteCacheStore interface
func (m *MockStore) WriteCache() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeCache
}

// SetWriteCache implements the WriteCacheStore interface
func (m *MockStore) SetWriteCache(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCache = enabled
	return nil
}

// SetReadError makes every following ReadAt fail with err (nil clears it)
func (m *MockStore) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteError makes every following WriteAt fail with err
func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetFlushError makes every following Flush fail with err
func (m *MockStore) SetFlushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushErr = err
}

// SetDiscardError makes every following Discard fail with err
func (m *MockStore) SetDiscardError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardErr = err
}

// SetDelay adds a fixed latency to reads, writes and flushes
func (m *MockStore) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Bytes returns a copy of the store contents
func (m *MockStore) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// IsClosed returns whether Close has been called
func (m *MockStore) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns whether a Flush has succeeded
func (m *MockStore) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns method call counts for verification
func (m *MockStore) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":    m.readCalls,
		"write":   m.writeCalls,
		"flush":   m.flushCalls,
		"discard": m.discardCalls,
	}
}

// Reset clears call tracking, injected errors and state flags
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.discardCalls = 0
	m.flushed = false
	m.readErr = nil
	m.writeErr = nil
	m.flushErr = nil
	m.discardErr = nil
	m.delay = 0
}

var (
	_ Store           = (*MockStore)(nil)
	_ DiscardStore    = (*MockStore)(nil)
	_ WriteCacheStore = (*MockStore)(nil)
)
