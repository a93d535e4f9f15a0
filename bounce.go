package blockif

import (
	"syscall"

	"github.com/ehrlich-b/go-blockif/internal/align"
	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// dispatchBounced serves a misaligned direct I/O request through an
// aligned window. The caller's slot on the queue is already held.
//
// Reads fetch the whole window and copy the payload out. Writes whose
// edges fall inside a block first read those blocks back, under a range
// lock on the window, so concurrent writes sharing a block cannot lose
// each other's bytes.
func (c *Context) dispatchBounced(f *flight) error {
	req := f.req
	info := f.info

	buf, err := c.bounce.Acquire(info)
	if err != nil {
		c.routes.leave(f.queue)
		return c.reject(f, &Error{
			Op:    f.op.String(),
			Ident: c.ident,
			Queue: f.queue,
			Code:  ErrCodeInsufficientMemory,
			Errno: syscall.ENOMEM,
			Msg:   err.Error(),
			Inner: err,
		})
	}
	f.buf = buf
	f.window = buf.Bytes()
	f.payload = buf.Payload(info)

	rmw := f.op == queue.OpWrite && info.NeedsRMW()
	c.metrics.RecordBounce(uint64(info.BoundedSize), rmw)
	c.obs.ObserveBounce(uint64(info.BoundedSize), rmw)

	if f.op == queue.OpRead {
		c.dispatch(f, c.descriptor(f, queue.OpRead, info.AlignedDownStart, [][]byte{f.window}, func(n int, err error) {
			got := payloadBytes(info, n)
			align.CopyOut(req.Iov, f.payload[:got])
			c.finish(f, int64(got), err)
		}))
		return nil
	}

	if !rmw {
		align.CopyIn(f.payload, req.Iov)
		c.dispatch(f, c.writeWindow(f))
		return nil
	}

	f.reads = edgeReads(info, buf)
	f.set(StateDispatched)
	c.log.WithRequest(f.queue, f.op.String()).Dispatched(req.Offset, f.total, true)
	c.locks.Acquire(info.AlignedDownStart, info.AlignedDownEnd, func() {
		c.granted(f)
	})
	return nil
}

// granted runs once f holds its window
func (c *Context) granted(f *flight) {
	f.locked = true
	if f.is(StateCancelled) {
		c.drop(f)
		return
	}
	c.start(f, c.preRead(f, 0))
}

func (c *Context) preRead(f *flight, i int) *queue.Descriptor {
	r := f.reads[i]
	return c.descriptor(f, queue.OpRead, r.offset, [][]byte{r.block}, func(n int, err error) {
		if err != nil {
			c.finish(f, 0, err)
			return
		}
		// Blocks past the end of the store read back as zeroes.
		if n < len(r.block) {
			clear(r.block[max(n, 0):])
		}
		if i+1 < len(f.reads) {
			c.chain(f, c.preRead(f, i+1))
			return
		}
		align.CopyIn(f.payload, f.req.Iov)
		c.chain(f, c.writeWindow(f))
	})
}

func (c *Context) writeWindow(f *flight) *queue.Descriptor {
	info := f.info
	return c.descriptor(f, queue.OpWrite, info.AlignedDownStart, [][]byte{f.window}, func(n int, err error) {
		c.finish(f, int64(payloadBytes(info, n)), err)
	})
}

// edgeReads lists the blocks a read-modify-write must fetch. Edges that
// share or touch a block collapse into one read of the whole window.
func edgeReads(info align.Info, buf *align.Buffer) []preRead {
	window := buf.Bytes()
	if info.Blocks() == 1 || (info.Blocks() == 2 && info.Head > 0 && info.Tail > 0) {
		return []preRead{{block: window, offset: info.AlignedDownStart}}
	}

	var reads []preRead
	if info.Head > 0 {
		reads = append(reads, preRead{block: buf.Head(info), offset: info.AlignedDownStart})
	}
	if info.Tail > 0 {
		reads = append(reads, preRead{block: buf.Tail(info), offset: info.AlignedDownEnd - int64(info.Alignment)})
	}
	return reads
}

// payloadBytes converts a window transfer count into caller bytes
func payloadBytes(info align.Info, n int) int {
	got := n - info.Head
	if got < 0 {
		return 0
	}
	if got > info.OrgSize {
		return info.OrgSize
	}
	return got
}
