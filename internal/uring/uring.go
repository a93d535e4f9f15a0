// Package uring provides a queue.Executor backed by a Linux io_uring.
//
// The ring executor is compiled only with the giouring build tag; without
// it New returns ErrUnavailable and callers fall back to queue.Pool.
package uring

import (
	"errors"

	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// ErrUnavailable is returned by New when io_uring support is not compiled in
var ErrUnavailable = errors.New("io_uring executor not enabled; build with -tags giouring")

// Config configures the ring executor
type Config struct {
	// Entries is the submission queue size
	Entries uint32
	Logger  queue.Logger
}

const defaultEntries = 128

// wakeUserData tags the no-op used to wake the reaper on Close
const wakeUserData = ^uint64(0)
