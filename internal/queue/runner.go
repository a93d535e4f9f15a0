package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Runner executes the descriptors of a single queue on a fixed set of
// worker goroutines. With one worker, descriptors complete in submission
// order.
type Runner struct {
	queueID int
	depth   int
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	logger  Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Descriptor
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// Config configures a Runner
type Config struct {
	QueueID int
	// Depth is advisory: crossing it is logged, never enforced
	Depth   int
	Workers int
	Logger  Logger
}

// NewRunner creates a new queue runner
func NewRunner(ctx context.Context, config Config) *Runner {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		queueID: config.QueueID,
		depth:   config.Depth,
		workers: config.Workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start begins processing descriptors
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("queue %d already started", r.queueID)
	}
	if r.closed {
		return ErrClosed
	}
	r.started = true

	if r.logger != nil {
		r.logger.Debugf("starting queue %d with %d workers", r.queueID, r.workers)
	}

	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go r.ioLoop()
	}
	go func() {
		<-r.ctx.Done()
		r.mu.Lock()
		r.closed = true
		r.cond.Broadcast()
		r.mu.Unlock()
	}()
	return nil
}

// Submit queues d. It never blocks on I/O.
func (r *Runner) Submit(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.pending = append(r.pending, d)
	if r.depth > 0 && len(r.pending) == r.depth+1 && r.logger != nil {
		r.logger.Debugf("queue %d: %d descriptors pending, above depth %d", r.queueID, len(r.pending), r.depth)
	}
	r.cond.Signal()
	return nil
}

// Pending returns the number of descriptors not yet picked up by a worker
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop stops accepting descriptors. Workers finish what is already queued.
func (r *Runner) Stop() {
	r.cancel()
}

// Close stops the runner and waits for its workers. Descriptors still
// queued on a runner that never started are completed with ECANCELED.
func (r *Runner) Close() error {
	r.cancel()

	r.mu.Lock()
	r.closed = true
	started := r.started
	r.cond.Broadcast()
	r.mu.Unlock()

	if started {
		r.wg.Wait()
	}

	r.mu.Lock()
	leftover := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, d := range leftover {
		if d.Start() {
			d.Complete(0, unix.ECANCELED)
		}
	}
	return nil
}

// next blocks until a descriptor is available. It returns false once the
// runner is closed and drained.
func (r *Runner) next() (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) == 0 {
		if r.closed {
			return nil, false
		}
		r.cond.Wait()
	}
	d := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return d, true
}

// ioLoop is the worker loop
func (r *Runner) ioLoop() {
	defer r.wg.Done()
	for {
		d, ok := r.next()
		if !ok {
			if r.logger != nil {
				r.logger.Debugf("queue %d: worker stopping", r.queueID)
			}
			return
		}
		r.process(d)
	}
}

func (r *Runner) process(d *Descriptor) {
	if !d.Start() {
		if r.logger != nil {
			r.logger.Debugf("queue %d: dropping cancelled %s @ %d", r.queueID, d.Op, d.Offset)
		}
		return
	}
	n, err := Execute(d)
	if err != nil && r.logger != nil {
		r.logger.Debugf("queue %d: %s @ %d failed: %v", r.queueID, d.Op, d.Offset, err)
	}
	d.Complete(n, err)
}
