//go:build !giouring
// +build !giouring

package uring

import "github.com/ehrlich-b/go-blockif/internal/queue"

// Executor is a placeholder when io_uring support is not compiled in
type Executor struct{}

// New is available when built with -tags giouring
func New(config Config) (*Executor, error) {
	return nil, ErrUnavailable
}

// Submit implements queue.Executor
func (e *Executor) Submit(d *queue.Descriptor) error {
	return ErrUnavailable
}

// Close implements queue.Executor
func (e *Executor) Close() error {
	return nil
}

var _ queue.Executor = (*Executor)(nil)
