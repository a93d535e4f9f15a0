package blockif

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	c := openContext(t, "mem:1MiB", 2, nil, nil)

	assert.Equal(t, "test0", c.Ident())
	assert.Equal(t, int64(1<<20), c.Size())
	assert.Equal(t, 512, c.SectorSize())
	size, off := c.PhysicalSectorSize()
	assert.Equal(t, 512, size)
	assert.Equal(t, 0, off)
	assert.Equal(t, 2, c.NumQueues())
	assert.Equal(t, DefaultQueueDepth, c.QueueSize())
	assert.False(t, c.ReadOnly())
	assert.False(t, c.CanDiscard())
	assert.False(t, c.DirectIO())
	assert.True(t, c.WriteCache())

	cyl, heads, secpt := c.CHS()
	assert.Equal(t, uint16(30), cyl)
	assert.Equal(t, uint8(4), heads)
	assert.Equal(t, uint8(17), secpt)

	require.NoError(t, c.Close())
	err := c.Close()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenOptions(t *testing.T) {
	t.Run("read-only", func(t *testing.T) {
		c := openContext(t, "mem:1MiB,ro,discard", 1, nil, nil)
		defer c.Close()
		assert.True(t, c.ReadOnly())
		assert.False(t, c.CanDiscard())
	})

	t.Run("discard defaults", func(t *testing.T) {
		c := openContext(t, "mem:1MiB,discard", 1, nil, nil)
		defer c.Close()
		assert.True(t, c.CanDiscard())
		assert.Equal(t, DefaultMaxDiscardSectors, c.MaxDiscardSectors())
		assert.Equal(t, DefaultMaxDiscardSegments, c.MaxDiscardSegments())
		assert.Equal(t, 1, c.DiscardSectorAlignment())
	})

	t.Run("discard alignment follows physical sector", func(t *testing.T) {
		c := openContext(t, "mem:1MiB,sectorsize=512/4096,discard", 1, nil, nil)
		defer c.Close()
		size, _ := c.PhysicalSectorSize()
		assert.Equal(t, 4096, size)
		assert.Equal(t, 8, c.DiscardSectorAlignment())
	})

	t.Run("explicit discard limits", func(t *testing.T) {
		c := openContext(t, "mem:1MiB,discard=128:4:2", 1, nil, nil)
		defer c.Close()
		assert.Equal(t, 128, c.MaxDiscardSectors())
		assert.Equal(t, 4, c.MaxDiscardSegments())
		assert.Equal(t, 2, c.DiscardSectorAlignment())
	})

	t.Run("write-through disables cache", func(t *testing.T) {
		c := openContext(t, "mem:1MiB,writethru", 1, nil, nil)
		defer c.Close()
		assert.False(t, c.WriteCache())
	})

	t.Run("nocache memory is direct", func(t *testing.T) {
		c := openContext(t, "mem:64KiB,nocache", 1, nil, nil)
		defer c.Close()
		assert.True(t, c.DirectIO())
		assert.Equal(t, 4096, c.Alignment())
	})
}

func TestOpenQueueDepth(t *testing.T) {
	c := openContext(t, "mem:1MiB", 2, nil, &Options{QueueDepth: 8})
	defer c.Close()
	assert.Equal(t, 8, c.QueueSize())

	// The depth is advertised for caller-supplied executors too.
	exec := &manualExecutor{}
	m := openContext(t, "mem:1MiB", 1, exec, &Options{QueueDepth: 32})
	defer m.Close()
	assert.Equal(t, 32, m.QueueSize())
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		optstr string
		queues int
		code   ErrorCode
	}{
		{"empty", "", 1, ErrCodeOpen},
		{"unknown option", "mem:1MiB,bogus", 1, ErrCodeOpen},
		{"bad sector size", "mem:1MiB,sectorsize=1000", 1, ErrCodeOpen},
		{"zero queues", "mem:1MiB", 0, ErrCodeInvalidParameters},
		{"too many queues", "mem:1MiB", MaxQueues + 1, ErrCodeInvalidParameters},
		{"missing file", "/nonexistent/blockif/disk.img", 1, ErrCodeOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Open(tt.optstr, "bad", tt.queues, nil, nil)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestOpenStoreOverride(t *testing.T) {
	store := NewMockStore(1 << 20)
	c := openContext(t, "ignored.img", 1, nil, &Options{Store: store})

	assert.Equal(t, int64(1<<20), c.Size())
	require.NoError(t, c.Close())
	assert.True(t, store.IsClosed())
}

func TestSetWriteCache(t *testing.T) {
	c := openContext(t, "mem:1MiB", 1, nil, nil)
	defer c.Close()

	require.NoError(t, c.SetWriteCache(false))
	assert.False(t, c.WriteCache())
	require.NoError(t, c.SetWriteCache(true))
	assert.True(t, c.WriteCache())

	type plainStore struct{ Store }
	p := openContext(t, "ignored", 1, nil, &Options{Store: plainStore{NewMockStore(1 << 20)}})
	defer p.Close()

	err := p.SetWriteCache(false)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.True(t, p.WriteCache())
}

func TestCloseBusy(t *testing.T) {
	exec := &manualExecutor{}
	c := openContext(t, "mem:1MiB", 1, exec, nil)

	res := newResult()
	req := &Request{Iov: [][]byte{make([]byte, 512)}, Callback: res.callback}
	require.NoError(t, c.Read(req))

	err := c.Close()
	assert.ErrorIs(t, err, ErrBusy)

	exec.runAll()
	require.NoError(t, res.wait(t))
	require.NoError(t, c.Close())

	// Caller-supplied executors are left to the caller.
	assert.False(t, exec.closed)
}

func TestSubmitAfterClose(t *testing.T) {
	c := openContext(t, "mem:1MiB", 1, nil, nil)
	require.NoError(t, c.Close())

	res := newResult()
	req := &Request{Iov: [][]byte{make([]byte, 512)}, Callback: res.callback}
	err := c.Read(req)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, res.wait(t), ErrClosed)
	assert.Equal(t, StateCompleted, req.State())
}

func TestFlushAll(t *testing.T) {
	store := NewMockStore(1 << 20)
	c := openContext(t, "ignored", 3, nil, &Options{Store: store})
	defer c.Close()

	require.NoError(t, c.FlushAll(context.Background()))
	assert.Equal(t, 3, store.CallCounts()["flush"])
	assert.True(t, store.IsFlushed())

	store.SetFlushError(syscall.EIO)
	err := c.FlushAll(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIOError))
	assert.True(t, errors.Is(err, syscall.EIO))
	assert.True(t, IsErrno(err, syscall.EIO))

	snap := c.Metrics().Snapshot()
	assert.Equal(t, uint64(6), snap.FlushOps)
	assert.Equal(t, uint64(3), snap.FlushErrors)
}

func TestFlushAllContextCancelled(t *testing.T) {
	exec := &manualExecutor{}
	c := openContext(t, "mem:1MiB", 2, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.FlushAll(ctx), context.Canceled)

	assert.Equal(t, 2, exec.runAll())
	require.NoError(t, c.Close())
}

func TestObserver(t *testing.T) {
	external := NewMetrics()
	c := openContext(t, "mem:1MiB", 1, nil, &Options{Observer: NewMetricsObserver(external)})
	defer c.Close()

	req := &Request{Iov: [][]byte{pattern(1024, 1)}, Offset: 4096}
	require.NoError(t, submitWait(t, c.Write, req))
	req = &Request{Iov: [][]byte{make([]byte, 1024)}, Offset: 4096}
	require.NoError(t, submitWait(t, c.Read, req))

	for _, snap := range []MetricsSnapshot{external.Snapshot(), c.Metrics().Snapshot()} {
		assert.Equal(t, uint64(1), snap.ReadOps)
		assert.Equal(t, uint64(1), snap.WriteOps)
		assert.Equal(t, uint64(1024), snap.ReadBytes)
		assert.Equal(t, uint64(1024), snap.WriteBytes)
		assert.Equal(t, uint32(1), snap.MaxQueueDepth)
	}
}
