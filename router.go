package blockif

import "sync/atomic"

// router tracks how many requests each queue holds between acceptance and
// the moment their slot is freed.
type router struct {
	inflight []atomic.Int32
	total    atomic.Int64
}

func newRouter(queues int) *router {
	return &router{inflight: make([]atomic.Int32, queues)}
}

func (r *router) queues() int {
	return len(r.inflight)
}

func (r *router) valid(q int) bool {
	return q >= 0 && q < len(r.inflight)
}

// enter claims a slot on q and returns the new depth of q
func (r *router) enter(q int) uint32 {
	r.total.Add(1)
	return uint32(r.inflight[q].Add(1))
}

func (r *router) leave(q int) {
	r.inflight[q].Add(-1)
	r.total.Add(-1)
}

func (r *router) depth(q int) int {
	return int(r.inflight[q].Load())
}

func (r *router) busy() int64 {
	return r.total.Load()
}
