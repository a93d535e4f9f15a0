package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-blockif/internal/constants"
)

// Pool is the default Executor: one Runner per queue
type Pool struct {
	runners []*Runner
	once    sync.Once
}

// PoolConfig configures a Pool
type PoolConfig struct {
	Queues          int
	Depth           int
	WorkersPerQueue int
	Logger          Logger
}

// NewPool creates and starts a runner for every queue
func NewPool(ctx context.Context, config PoolConfig) (*Pool, error) {
	if config.Queues <= 0 || config.Queues > constants.MaxQueues {
		return nil, fmt.Errorf("queue count %d out of range [1, %d]", config.Queues, constants.MaxQueues)
	}
	if config.Depth <= 0 {
		config.Depth = constants.DefaultQueueDepth
	}
	if config.WorkersPerQueue <= 0 {
		config.WorkersPerQueue = constants.DefaultWorkersPerQueue
	}

	p := &Pool{runners: make([]*Runner, config.Queues)}
	for q := range p.runners {
		r := NewRunner(ctx, Config{
			QueueID: q,
			Depth:   config.Depth,
			Workers: config.WorkersPerQueue,
			Logger:  config.Logger,
		})
		if err := r.Start(); err != nil {
			p.Close()
			return nil, err
		}
		p.runners[q] = r
	}
	return p, nil
}

// Submit routes d to the runner of d.Queue
func (p *Pool) Submit(d *Descriptor) error {
	if d.Queue < 0 || d.Queue >= len(p.runners) {
		return fmt.Errorf("queue %d out of range [0, %d)", d.Queue, len(p.runners))
	}
	return p.runners[d.Queue].Submit(d)
}

// Queues returns the number of runners
func (p *Pool) Queues() int {
	return len(p.runners)
}

// Pending returns the number of queued descriptors on queue q
func (p *Pool) Pending(q int) int {
	return p.runners[q].Pending()
}

// Close stops every runner and waits for in-progress descriptors
func (p *Pool) Close() error {
	p.once.Do(func() {
		for _, r := range p.runners {
			if r != nil {
				r.Close()
			}
		}
	})
	return nil
}

var _ Executor = (*Pool)(nil)
