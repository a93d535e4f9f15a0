package blockif

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// manualExecutor queues descriptors until the test runs them
type manualExecutor struct {
	mu        sync.Mutex
	pending   []*queue.Descriptor
	submitErr error
	closed    bool
}

func (e *manualExecutor) Submit(d *queue.Descriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return e.submitErr
	}
	e.pending = append(e.pending, d)
	return nil
}

func (e *manualExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *manualExecutor) next() *queue.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	d := e.pending[0]
	e.pending = e.pending[1:]
	return d
}

func (e *manualExecutor) queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// runAll executes descriptors, including those queued while running, and
// returns how many were started.
func (e *manualExecutor) runAll() int {
	started := 0
	for d := e.next(); d != nil; d = e.next() {
		if !d.Start() {
			continue
		}
		started++
		n, err := queue.Execute(d)
		d.Complete(n, err)
	}
	return started
}

// result captures callback invocations
type result struct {
	mu    sync.Mutex
	calls int
	err   error
	done  chan struct{}
}

func newResult() *result {
	return &result{done: make(chan struct{}, 16)}
}

func (r *result) callback(_ *Request, err error) {
	r.mu.Lock()
	r.calls++
	r.err = err
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *result) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *result) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func openContext(t *testing.T, optstr string, queues int, exec Executor, opts *Options) *Context {
	t.Helper()
	c, err := Open(optstr, "test0", queues, exec, opts)
	require.NoError(t, err)
	return c
}

// submitWait submits req through fn and waits for its callback
func submitWait(t *testing.T, fn func(*Request) error, req *Request) error {
	t.Helper()
	res := newResult()
	req.Callback = res.callback
	require.NoError(t, fn(req))
	return res.wait(t)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
