// Package queue defines the executor contract between a blockif context and
// the goroutines (or kernel rings) that perform host I/O, and provides the
// default goroutine-pool executor.
package queue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-blockif/internal/interfaces"
)

// ErrClosed is returned by Submit once an executor has been closed
var ErrClosed = errors.New("executor closed")

// Op is the host operation carried by a descriptor
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Range is one discard extent in bytes
type Range struct {
	Offset int64
	Length int64
}

// Descriptor is one unit of host I/O handed to an executor
type Descriptor struct {
	Queue  int
	Op     Op
	Offset int64
	Iov    [][]byte
	Ranges []Range
	Target interfaces.Store

	// OnStart is consulted by Start. Returning false means the owning
	// request was cancelled and the descriptor must be dropped.
	OnStart func() bool

	// OnComplete receives the byte count and host error of the operation
	OnComplete func(n int, err error)

	done atomic.Bool
}

// Length returns the payload size in bytes
func (d *Descriptor) Length() int64 {
	if d.Op == OpDiscard {
		var total int64
		for _, r := range d.Ranges {
			total += r.Length
		}
		return total
	}
	var total int64
	for _, seg := range d.Iov {
		total += int64(len(seg))
	}
	return total
}

// Start must be called by the executor before issuing the host call.
// It reports whether the descriptor is still wanted.
func (d *Descriptor) Start() bool {
	if d.OnStart == nil {
		return true
	}
	return d.OnStart()
}

// Complete reports the outcome of the host call. Only the first call has
// an effect.
func (d *Descriptor) Complete(n int, err error) {
	if !d.done.CompareAndSwap(false, true) {
		return
	}
	if d.OnComplete != nil {
		d.OnComplete(n, err)
	}
}

// Executor runs descriptors. Submit never blocks on I/O; a non-nil error
// means the descriptor was not accepted and neither Start nor Complete will
// be called for it.
type Executor interface {
	Submit(d *Descriptor) error
	Close() error
}

// Logger is the minimal logging surface used by executors
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
