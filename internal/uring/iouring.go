//go:build giouring
// +build giouring

package uring

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"git.lukeshu.com/go/typedsync"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blockif/internal/interfaces"
	"github.com/ehrlich-b/go-blockif/internal/queue"
)

const fsyncDatasync = 1 // IORING_FSYNC_DATASYNC

// inflight keeps the descriptor and its iovec array alive until the CQE arrives
type inflight struct {
	d    *queue.Descriptor
	iov  []unix.Iovec
	want int
}

// Executor submits reads, writes and flushes of fd-backed stores to a
// single io_uring. Discards, and descriptors whose store has no file
// descriptor, run synchronously on a helper goroutine.
type Executor struct {
	ring   *giouring.Ring
	logger queue.Logger

	sqMu     sync.Mutex
	inflight typedsync.Map[uint64, *inflight]
	pending  atomic.Int64
	nextID   atomic.Uint64

	closed atomic.Bool
	done   chan struct{}
}

// New creates the ring and starts its completion reaper
func New(config Config) (*Executor, error) {
	if config.Entries == 0 {
		config.Entries = defaultEntries
	}
	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create io_uring: %w", err)
	}

	e := &Executor{
		ring:   ring,
		logger: config.Logger,
		done:   make(chan struct{}),
	}
	go e.reap()
	return e, nil
}

// Submit implements queue.Executor. It fails with queue.ErrClosed once
// Close has begun.
func (e *Executor) Submit(d *queue.Descriptor) error {
	if e.closed.Load() {
		return queue.ErrClosed
	}

	fs, ok := d.Target.(interfaces.FdStore)
	if !ok || d.Op == queue.OpDiscard {
		go e.runSync(d)
		return nil
	}
	if !d.Start() {
		return nil
	}

	op := &inflight{d: d}
	if d.Op == queue.OpRead || d.Op == queue.OpWrite {
		op.iov = make([]unix.Iovec, 0, len(d.Iov))
		for _, seg := range d.Iov {
			if len(seg) == 0 {
				continue
			}
			v := unix.Iovec{Base: &seg[0]}
			v.SetLen(len(seg))
			op.iov = append(op.iov, v)
			op.want += len(seg)
		}
		if len(op.iov) == 0 {
			d.Complete(0, nil)
			return nil
		}
	}

	// Start already succeeded, so every outcome goes through Complete.
	if err := e.queue(int(fs.Fd()), op); err != nil {
		d.Complete(0, err)
	}
	return nil
}

// queue places op on the ring. Holding sqMu orders it against the wakeup
// queued by Close, so the reaper sees every op accepted before closing.
func (e *Executor) queue(fd int, op *inflight) error {
	e.sqMu.Lock()
	defer e.sqMu.Unlock()

	if e.closed.Load() {
		return queue.ErrClosed
	}
	sqe, err := e.getSQE()
	if err != nil {
		return err
	}

	id := e.nextID.Add(1)
	e.inflight.Store(id, op)
	e.pending.Add(1)

	switch op.d.Op {
	case queue.OpRead:
		sqe.PrepareReadv(fd, uintptr(unsafe.Pointer(&op.iov[0])), uint32(len(op.iov)), uint64(op.d.Offset))
	case queue.OpWrite:
		sqe.PrepareWritev(fd, uintptr(unsafe.Pointer(&op.iov[0])), uint32(len(op.iov)), uint64(op.d.Offset))
	case queue.OpFlush:
		sqe.PrepareFsync(fd, fsyncDatasync)
	default:
		sqe.PrepareNop()
	}
	sqe.UserData = id

	if _, err := e.ring.Submit(); err != nil {
		e.inflight.Delete(id)
		e.pending.Add(-1)
		return err
	}
	return nil
}

// getSQE returns a free submission entry, flushing the ring once if full.
// Callers hold sqMu.
func (e *Executor) getSQE() (*giouring.SubmissionQueueEntry, error) {
	if sqe := e.ring.GetSQE(); sqe != nil {
		return sqe, nil
	}
	if _, err := e.ring.Submit(); err != nil {
		return nil, err
	}
	if sqe := e.ring.GetSQE(); sqe != nil {
		return sqe, nil
	}
	return nil, unix.EBUSY
}

func (e *Executor) runSync(d *queue.Descriptor) {
	if !d.Start() {
		return
	}
	n, err := queue.Execute(d)
	d.Complete(n, err)
}

// reap completes ops until Close has been requested and the ring holds
// nothing of ours.
func (e *Executor) reap() {
	defer close(e.done)
	draining := false
	for {
		if draining && e.pending.Load() == 0 {
			return
		}

		cqe, err := e.ring.WaitCQE()
		if err == syscall.EINTR || err == syscall.EAGAIN {
			continue
		}
		if err != nil {
			if e.logger != nil {
				e.logger.Printf("io_uring wait failed: %v", err)
			}
			return
		}
		userData, res := cqe.UserData, cqe.Res
		e.ring.CQESeen(cqe)

		if userData == wakeUserData {
			draining = draining || e.closed.Load()
			continue
		}
		op, ok := e.inflight.LoadAndDelete(userData)
		if !ok {
			continue
		}
		e.pending.Add(-1)
		e.finish(op, res)
	}
}

func (e *Executor) finish(op *inflight, res int32) {
	if res < 0 {
		op.d.Complete(0, syscall.Errno(-res))
		return
	}
	n := int(res)
	if op.d.Op == queue.OpWrite && n < op.want {
		op.d.Complete(n, io.ErrShortWrite)
		return
	}
	op.d.Complete(n, nil)
}

// Close rejects new submissions, waits for every op already in the ring
// to complete, then tears the ring down. Only if the ring itself fails
// are leftover descriptors completed with ECANCELED; their buffers may
// still be referenced by the kernel until the ring is unmapped.
func (e *Executor) Close() error {
	e.sqMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.sqMu.Unlock()
		return nil
	}
	sqe, err := e.getSQE()
	if err == nil {
		sqe.PrepareNop()
		sqe.UserData = wakeUserData
		_, err = e.ring.Submit()
	}
	e.sqMu.Unlock()

	if err != nil && e.logger != nil {
		e.logger.Printf("io_uring close: cannot wake reaper: %v", err)
	}
	if err == nil {
		<-e.done
	}
	e.ring.QueueExit()

	e.inflight.Range(func(id uint64, op *inflight) bool {
		e.inflight.Delete(id)
		e.pending.Add(-1)
		op.d.Complete(0, unix.ECANCELED)
		return true
	})
	return nil
}

var _ queue.Executor = (*Executor)(nil)
