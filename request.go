package blockif

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-blockif/internal/align"
	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// RequestState is the lifecycle position of a request
type RequestState int32

const (
	StateIdle RequestState = iota
	StateSubmitted
	StateDispatched
	StateExecuting
	StateCompleted
	StateCancelled
)

func (s RequestState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	case StateDispatched:
		return "dispatched"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is one caller I/O request. The caller owns the struct and its
// buffers until Callback runs; after that it may be reused.
type Request struct {
	// Iov is the scatter/gather payload of a read or write
	Iov [][]byte

	// Offset is the byte offset on the store
	Offset int64

	// Resid holds the bytes not transferred once Callback runs. For a
	// discard without Ranges it is also the input length.
	Resid int64

	// Ranges lists discard extents. Empty means [Offset, Offset+Resid).
	Ranges []DiscardRange

	// Queue selects the queue the request is routed to
	Queue int

	// Param is opaque caller data
	Param any

	// Callback runs exactly once per accepted submission
	Callback func(req *Request, err error)

	cur atomic.Pointer[flight]
}

// State returns the state of the latest submission
func (r *Request) State() RequestState {
	f := r.cur.Load()
	if f == nil {
		return StateIdle
	}
	return RequestState(f.state.Load())
}

// flight is one submission of a Request. Descriptors hold the flight they
// were built for, so a cancelled submission never affects a later one.
type flight struct {
	req   *Request
	op    queue.Op
	queue int
	state atomic.Int32
	total int64
	start time.Time

	info    align.Info
	buf     *align.Buffer
	window  []byte
	payload []byte
	reads   []preRead
	locked  bool
}

// preRead is one edge block read ahead of a read-modify-write
type preRead struct {
	block  []byte
	offset int64
}

func (f *flight) transition(from, to RequestState) bool {
	return f.state.CompareAndSwap(int32(from), int32(to))
}

func (f *flight) set(s RequestState) {
	f.state.Store(int32(s))
}

func (f *flight) is(s RequestState) bool {
	return RequestState(f.state.Load()) == s
}

func (f *flight) inFlight() bool {
	switch RequestState(f.state.Load()) {
	case StateSubmitted, StateDispatched, StateExecuting:
		return true
	}
	return false
}

func iovLength(iov [][]byte) int64 {
	var total int64
	for _, seg := range iov {
		total += int64(len(seg))
	}
	return total
}
