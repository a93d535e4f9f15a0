package blockif

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the upper bounds, in nanoseconds, of the latency
// histogram: 1us to 10s, one bucket per decade.
var LatencyBuckets = [...]uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

// opStats counts one request type
type opStats struct {
	ops    atomic.Uint64
	bytes  atomic.Uint64
	errors atomic.Uint64
}

func (s *opStats) record(bytes uint64, success bool) {
	s.ops.Add(1)
	if success {
		s.bytes.Add(bytes)
	} else {
		s.errors.Add(1)
	}
}

// Metrics tracks completed requests of a Context. All methods are safe for
// concurrent use.
type Metrics struct {
	read, write, discard, flush opStats

	bounced      atomic.Uint64
	bouncedBytes atomic.Uint64
	rmw          atomic.Uint64
	cancelled    atomic.Uint64

	depthSum   atomic.Uint64
	depthCount atomic.Uint64
	depthMax   atomic.Uint32

	latencySum atomic.Uint64
	latencyN   atomic.Uint64
	// latencyHist[i] counts requests no slower than LatencyBuckets[i]
	latencyHist [len(LatencyBuckets)]atomic.Uint64

	started atomic.Int64
	stopped atomic.Int64
}

// NewMetrics creates a metrics instance whose uptime starts now
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.started.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read. Bytes count only on success.
func (m *Metrics) RecordRead(bytes, latencyNs uint64, success bool) {
	m.read.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write
func (m *Metrics) RecordWrite(bytes, latencyNs uint64, success bool) {
	m.write.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordDiscard records a completed discard
func (m *Metrics) RecordDiscard(bytes, latencyNs uint64, success bool) {
	m.discard.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordFlush records a completed flush
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.flush.record(0, success)
	m.recordLatency(latencyNs)
}

// RecordBounce records a request converted through a bounce window
func (m *Metrics) RecordBounce(bytes uint64, rmw bool) {
	m.bounced.Add(1)
	m.bouncedBytes.Add(bytes)
	if rmw {
		m.rmw.Add(1)
	}
}

// RecordCancel records a request cancelled before it executed
func (m *Metrics) RecordCancel() {
	m.cancelled.Add(1)
}

// RecordQueueDepth samples the in-flight count of a queue
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.depthSum.Add(uint64(depth))
	m.depthCount.Add(1)
	for {
		cur := m.depthMax.Load()
		if depth <= cur || m.depthMax.CompareAndSwap(cur, depth) {
			return
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.latencySum.Add(latencyNs)
	m.latencyN.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.latencyHist[i].Add(1)
		}
	}
}

// Stop freezes the uptime
func (m *Metrics) Stop() {
	m.stopped.CompareAndSwap(0, time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	ReadOps, WriteOps, DiscardOps, FlushOps             uint64
	ReadBytes, WriteBytes, DiscardBytes                 uint64
	ReadErrors, WriteErrors, DiscardErrors, FlushErrors uint64
	TotalOps                                            uint64

	BouncedOps   uint64
	BouncedBytes uint64
	RMWOps       uint64
	CancelledOps uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	LatencyP50Ns uint64
	LatencyP99Ns uint64
	UptimeNs     uint64
}

// Snapshot copies the current counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.read.ops.Load(),
		WriteOps:      m.write.ops.Load(),
		DiscardOps:    m.discard.ops.Load(),
		FlushOps:      m.flush.ops.Load(),
		ReadBytes:     m.read.bytes.Load(),
		WriteBytes:    m.write.bytes.Load(),
		DiscardBytes:  m.discard.bytes.Load(),
		ReadErrors:    m.read.errors.Load(),
		WriteErrors:   m.write.errors.Load(),
		DiscardErrors: m.discard.errors.Load(),
		FlushErrors:   m.flush.errors.Load(),
		BouncedOps:    m.bounced.Load(),
		BouncedBytes:  m.bouncedBytes.Load(),
		RMWOps:        m.rmw.Load(),
		CancelledOps:  m.cancelled.Load(),
		MaxQueueDepth: m.depthMax.Load(),
	}
	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps

	if n := m.depthCount.Load(); n > 0 {
		snap.AvgQueueDepth = float64(m.depthSum.Load()) / float64(n)
	}
	if n := m.latencyN.Load(); n > 0 {
		snap.AvgLatencyNs = m.latencySum.Load() / n
		snap.LatencyP50Ns = m.percentile(n, 0.50)
		snap.LatencyP99Ns = m.percentile(n, 0.99)
	}

	end := m.stopped.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(end - m.started.Load())
	return snap
}

// percentile interpolates linearly inside the histogram bucket holding
// the p-th of n samples.
func (m *Metrics) percentile(n uint64, p float64) uint64 {
	target := uint64(float64(n) * p)
	var lower, below uint64
	for i, upper := range LatencyBuckets {
		count := m.latencyHist[i].Load()
		if count >= target {
			if count == below {
				return upper
			}
			frac := float64(target-below) / float64(count-below)
			return lower + uint64(frac*float64(upper-lower))
		}
		lower, below = upper, count
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Observer receives the same events as the built-in Metrics, for callers
// exporting to their own collector.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)

	// ObserveBounce is called when a request needs an aligned bounce window
	ObserveBounce(bytes uint64, rmw bool)

	// ObserveCancel is called for each successful cancellation
	ObserveCancel()

	// ObserveQueueDepth is called on every accepted submission with the
	// in-flight count of the request's queue
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every event
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveDiscard(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)           {}
func (NoOpObserver) ObserveBounce(uint64, bool)          {}
func (NoOpObserver) ObserveCancel()                      {}
func (NoOpObserver) ObserveQueueDepth(uint32)            {}

// MetricsObserver forwards events to a Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiscard(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDiscard(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveBounce(bytes uint64, rmw bool) {
	o.metrics.RecordBounce(bytes, rmw)
}

func (o *MetricsObserver) ObserveCancel() {
	o.metrics.RecordCancel()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
