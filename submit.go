package blockif

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-blockif/internal/align"
	"github.com/ehrlich-b/go-blockif/internal/constants"
	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// Read reads len(req.Iov) bytes at req.Offset. A nil return means the
// request was accepted and Callback will run once it finishes. A non-nil
// return for a new submission has already been delivered to Callback.
func (c *Context) Read(req *Request) error {
	return c.submit(req, queue.OpRead)
}

// Write writes req.Iov at req.Offset
func (c *Context) Write(req *Request) error {
	return c.submit(req, queue.OpWrite)
}

// Flush persists the host write cache
func (c *Context) Flush(req *Request) error {
	return c.submit(req, queue.OpFlush)
}

// Discard deallocates req.Ranges, or [Offset, Offset+Resid) without ranges
func (c *Context) Discard(req *Request) error {
	return c.submit(req, queue.OpDiscard)
}

// Cancel withdraws a request that has been dispatched but not started.
// On success Callback runs with ErrCanceled before Cancel returns. A request
// already executing yields ErrCancelTooLate and completes normally.
func (c *Context) Cancel(req *Request) error {
	f := req.cur.Load()
	if f == nil {
		return NewQueueError("cancel", c.ident, req.Queue, ErrCodeInvalidParameters, "request was never submitted")
	}
	if !f.transition(StateDispatched, StateCancelled) {
		return NewQueueError("cancel", c.ident, f.queue, ErrCodeTooLate,
			fmt.Sprintf("request is %s", RequestState(f.state.Load())))
	}

	// The executor still holds the descriptor; its slot is freed when the
	// descriptor is dropped.
	c.bounce.Release(f.buf)
	req.Resid = f.total

	c.metrics.RecordCancel()
	c.obs.ObserveCancel()
	c.log.WithRequest(f.queue, f.op.String()).Debug("request cancelled", "offset", req.Offset)

	if req.Callback != nil {
		req.Callback(req, &Error{
			Op:    f.op.String(),
			Ident: c.ident,
			Queue: f.queue,
			Code:  ErrCodeCanceled,
			Errno: syscall.ECANCELED,
			Msg:   "request cancelled",
			Inner: syscall.ECANCELED,
		})
	}
	return nil
}

// FlushAll flushes every queue and waits for all of them. It returns the
// first failure in queue order, or ctx.Err() if ctx ends first.
func (c *Context) FlushAll(ctx context.Context) error {
	n := c.routes.queues()
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for q := 0; q < n; q++ {
		req := &Request{
			Queue: q,
			Callback: func(_ *Request, err error) {
				errs[q] = err
				wg.Done()
			},
		}
		_ = c.Flush(req)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) submit(req *Request, op queue.Op) error {
	prev := req.cur.Load()
	if prev != nil && prev.inFlight() {
		return NewQueueError(op.String(), c.ident, req.Queue, ErrCodeInvalidParameters, "request already in flight")
	}

	f := &flight{req: req, op: op, queue: req.Queue, start: time.Now()}
	f.set(StateSubmitted)
	if !req.cur.CompareAndSwap(prev, f) {
		return NewQueueError(op.String(), c.ident, req.Queue, ErrCodeInvalidParameters, "request already in flight")
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return c.reject(f, NewQueueError(op.String(), c.ident, f.queue, ErrCodeClosed, "context closed"))
	}
	if err := c.validate(f); err != nil {
		c.mu.RUnlock()
		return c.reject(f, err)
	}
	depth := c.routes.enter(f.queue)
	c.mu.RUnlock()

	c.metrics.RecordQueueDepth(depth)
	c.obs.ObserveQueueDepth(depth)

	switch op {
	case queue.OpRead, queue.OpWrite:
		if c.direct {
			f.info = align.Plan(c.alignment, req.Iov, req.Offset)
			if f.info.NeedConversion {
				return c.dispatchBounced(f)
			}
		}
		c.dispatch(f, c.descriptor(f, op, req.Offset, req.Iov, c.onComplete(f)))
	case queue.OpFlush:
		c.dispatch(f, c.descriptor(f, op, 0, nil, c.onComplete(f)))
	case queue.OpDiscard:
		d := c.descriptor(f, op, req.Offset, nil, c.onComplete(f))
		d.Ranges = c.discardRanges(req)
		c.dispatch(f, d)
	}
	return nil
}

// validate checks a request against the context limits and sets f.total
func (c *Context) validate(f *flight) error {
	req := f.req
	op := f.op.String()

	if !c.routes.valid(f.queue) {
		return NewQueueError(op, c.ident, f.queue, ErrCodeInvalidParameters,
			fmt.Sprintf("queue %d out of range [0, %d)", f.queue, c.routes.queues()))
	}

	switch f.op {
	case queue.OpRead, queue.OpWrite:
		if len(req.Iov) > constants.IOVMax {
			return NewQueueError(op, c.ident, f.queue, ErrCodeInvalidParameters,
				fmt.Sprintf("%d segments exceeds limit of %d", len(req.Iov), constants.IOVMax))
		}
		f.total = iovLength(req.Iov)
		if f.total == 0 {
			return NewQueueError(op, c.ident, f.queue, ErrCodeInvalidParameters, "empty request")
		}
		if req.Offset < 0 {
			return NewQueueError(op, c.ident, f.queue, ErrCodeInvalidParameters,
				fmt.Sprintf("negative offset %d", req.Offset))
		}
		if f.op == queue.OpWrite && c.readOnly {
			return NewQueueError(op, c.ident, f.queue, ErrCodeReadOnly, "write to read-only context")
		}
	case queue.OpDiscard:
		return c.validateDiscard(f)
	}
	return nil
}

// reject completes a submission that never reached the executor
func (c *Context) reject(f *flight, err error) error {
	req := f.req
	req.Resid = f.total
	f.set(StateCompleted)
	c.log.WithRequest(f.queue, f.op.String()).WithError(err).Debug("request rejected")
	if req.Callback != nil {
		req.Callback(req, err)
	}
	return err
}

// descriptor builds an ungated descriptor for f
func (c *Context) descriptor(f *flight, op queue.Op, off int64, iov [][]byte, done func(int, error)) *queue.Descriptor {
	return &queue.Descriptor{
		Queue:      f.queue,
		Op:         op,
		Offset:     off,
		Iov:        iov,
		Target:     c.store,
		OnComplete: done,
	}
}

// dispatch marks f dispatched and hands it its first descriptor
func (c *Context) dispatch(f *flight, d *queue.Descriptor) {
	c.log.WithRequest(f.queue, f.op.String()).Dispatched(f.req.Offset, f.total, f.buf != nil)
	f.set(StateDispatched)
	c.start(f, d)
}

// start submits the first descriptor of a dispatched flight. The
// descriptor is dropped if the flight was cancelled before it ran.
func (c *Context) start(f *flight, d *queue.Descriptor) {
	d.OnStart = func() bool {
		if f.transition(StateDispatched, StateExecuting) {
			return true
		}
		c.drop(f)
		return false
	}

	if err := c.exec.Submit(d); err != nil {
		if f.transition(StateDispatched, StateExecuting) {
			c.finish(f, 0, err)
			return
		}
		c.drop(f)
	}
}

// chain hands a follow-up descriptor of an executing flight to the executor
func (c *Context) chain(f *flight, d *queue.Descriptor) {
	if err := c.exec.Submit(d); err != nil {
		c.finish(f, 0, err)
	}
}

// drop frees the slot of a cancelled flight once its descriptor is gone
func (c *Context) drop(f *flight) {
	if f.locked {
		f.locked = false
		c.locks.Release(f.info.AlignedDownStart, f.info.AlignedDownEnd)
	}
	c.routes.leave(f.queue)
}

func (c *Context) onComplete(f *flight) func(int, error) {
	return func(n int, err error) {
		c.finish(f, int64(n), err)
	}
}

// finish completes an executing flight. n is the number of caller bytes
// transferred.
func (c *Context) finish(f *flight, n int64, err error) {
	req := f.req

	if f.buf != nil {
		c.bounce.Release(f.buf)
		f.buf = nil
	}
	if f.locked {
		f.locked = false
		c.locks.Release(f.info.AlignedDownStart, f.info.AlignedDownEnd)
	}

	if n < 0 {
		n = 0
	}
	if n > f.total {
		n = f.total
	}
	req.Resid = f.total - n

	latency := uint64(time.Since(f.start).Nanoseconds())
	ok := err == nil
	switch f.op {
	case queue.OpRead:
		c.metrics.RecordRead(uint64(n), latency, ok)
		c.obs.ObserveRead(uint64(n), latency, ok)
	case queue.OpWrite:
		c.metrics.RecordWrite(uint64(n), latency, ok)
		c.obs.ObserveWrite(uint64(n), latency, ok)
	case queue.OpDiscard:
		c.metrics.RecordDiscard(uint64(n), latency, ok)
		c.obs.ObserveDiscard(uint64(n), latency, ok)
	case queue.OpFlush:
		c.metrics.RecordFlush(latency, ok)
		c.obs.ObserveFlush(latency, ok)
	}

	var cbErr error
	if err != nil {
		c.log.WithRequest(f.queue, f.op.String()).Failed(req.Offset, f.total, err)
		if be, isBlockif := err.(*Error); isBlockif {
			cbErr = be
		} else {
			cbErr = ioError(f.op.String(), c.ident, f.queue, err)
		}
	} else {
		c.log.WithRequest(f.queue, f.op.String()).Completed(req.Offset, n, req.Resid, time.Duration(latency))
	}

	c.routes.leave(f.queue)
	f.set(StateCompleted)

	if req.Callback != nil {
		req.Callback(req, cbErr)
	}
}
