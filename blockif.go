// Package blockif provides an asynchronous block I/O layer for device
// emulators. A Context wraps a host store (an image file, a raw block device
// or memory) and services vectored read, write, flush and discard requests
// on a set of queues, completing each through a callback. Stores opened for
// direct I/O get transparent bounce buffering for misaligned requests.
package blockif

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/go-blockif/backend"
	"github.com/ehrlich-b/go-blockif/internal/align"
	"github.com/ehrlich-b/go-blockif/internal/constants"
	"github.com/ehrlich-b/go-blockif/internal/logging"
	"github.com/ehrlich-b/go-blockif/internal/options"
	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// Options configures Open
type Options struct {
	// Context for cancellation of the default executor
	Context context.Context

	// Logger receives executor diagnostics. Nil uses the structured default.
	Logger Logger

	// Observer receives per-request metrics in addition to Metrics()
	Observer Observer

	// Store replaces the store named by the option string
	Store Store

	// QueueDepth is the advertised depth of each queue and sizes the
	// default executor together with WorkersPerQueue
	QueueDepth      int
	WorkersPerQueue int

	// BounceLimit caps bytes held by bounce buffers; 0 is unlimited
	BounceLimit int64
}

// Context is an open block interface
type Context struct {
	ident string
	store Store
	exec  Executor
	owned bool
	depth int

	size       int64
	sectorSize int
	physSize   int
	physOffset int

	readOnly   bool
	direct     bool
	alignment  int
	writeCache bool
	cacheMu    sync.Mutex

	canDiscard     bool
	maxDiscardSect int
	maxDiscardSeg  int
	discardAlign   int

	cyl   uint16
	heads uint8
	secpt uint8

	routes  *router
	bounce  *align.Manager
	locks   align.RangeLock
	metrics *Metrics
	obs     Observer
	log     *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens the store described by optstr and returns a Context serving
// queueNum queues. A nil exec selects the default goroutine pool.
func Open(optstr, ident string, queueNum int, exec Executor, opts *Options) (*Context, error) {
	if opts == nil {
		opts = &Options{}
	}
	if queueNum < 1 || queueNum > constants.MaxQueues {
		return nil, NewError("open", ErrCodeInvalidParameters,
			fmt.Sprintf("queue count %d out of range [1, %d]", queueNum, constants.MaxQueues))
	}

	cfg, err := options.Parse(optstr)
	if err != nil {
		return nil, &Error{Op: "open", Ident: ident, Queue: -1, Code: ErrCodeOpen, Msg: err.Error(), Inner: err}
	}

	store, err := openStore(cfg, opts)
	if err != nil {
		e := WrapError("open", err)
		e.Ident = ident
		if e.Code == ErrCodeIOError {
			e.Code = ErrCodeOpen
		}
		return nil, e
	}

	c := &Context{
		ident:    ident,
		store:    store,
		depth:    opts.QueueDepth,
		readOnly: cfg.ReadOnly,
		routes:   newRouter(queueNum),
		bounce:   align.NewManager(opts.BounceLimit),
		metrics:  NewMetrics(),
		obs:      opts.Observer,
		log:      logging.Default().WithIdent(ident),
	}
	if c.obs == nil {
		c.obs = NoOpObserver{}
	}
	if c.depth <= 0 {
		c.depth = constants.DefaultQueueDepth
	}

	if err := c.probe(cfg); err != nil {
		store.Close()
		return nil, err
	}

	if exec == nil {
		ctx := opts.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var logger queue.Logger = c.log
		if opts.Logger != nil {
			logger = opts.Logger
		}
		pool, err := queue.NewPool(ctx, queue.PoolConfig{
			Queues:          queueNum,
			Depth:           c.depth,
			WorkersPerQueue: opts.WorkersPerQueue,
			Logger:          logger,
		})
		if err != nil {
			store.Close()
			return nil, &Error{Op: "open", Ident: ident, Queue: -1, Code: ErrCodeInsufficientMemory, Msg: err.Error(), Inner: err}
		}
		exec = pool
		c.owned = true
	}
	c.exec = exec

	c.log.Info("opened block interface",
		"path", cfg.Path,
		"size", humanize.IBytes(uint64(c.size)),
		"sector_size", c.sectorSize,
		"phys_sector_size", c.physSize,
		"direct", c.direct,
		"read_only", c.readOnly,
		"discard", c.canDiscard,
		"queues", queueNum,
		"queue_depth", c.depth)

	return c, nil
}

func openStore(cfg *options.Config, opts *Options) (Store, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}

	if cfg.Memory() {
		if !cfg.NoCache {
			return backend.NewMemory(cfg.MemSize), nil
		}
		alignment := 4096
		if cfg.PhysSectorSize > 0 {
			alignment = cfg.PhysSectorSize
		}
		return backend.NewMemoryWithAlignment(cfg.MemSize, alignment)
	}

	f, err := backend.OpenFile(cfg.Path, backend.FileConfig{
		Direct:       cfg.NoCache,
		ReadOnly:     cfg.ReadOnly,
		WriteThrough: cfg.WriteThru,
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// probe fills in geometry, caching and discard capabilities
func (c *Context) probe(cfg *options.Config) error {
	c.size = c.store.Size()
	c.sectorSize = constants.DefaultSectorSize
	c.physSize = constants.DefaultSectorSize

	if g, ok := c.store.(GeometryStore); ok {
		c.sectorSize = g.SectorSize()
		c.physSize, c.physOffset = g.PhysicalSector()
	}
	if c.physSize < c.sectorSize {
		c.physSize = c.sectorSize
	}

	if cfg.SectorSize > 0 {
		// Raw devices reject I/O smaller than their own sector.
		if bd, ok := c.store.(blockDevice); ok && bd.BlockDevice() {
			if cfg.SectorSize < c.sectorSize || cfg.SectorSize%c.sectorSize != 0 {
				return NewQueueError("open", c.ident, -1, ErrCodeInvalidParameters,
					fmt.Sprintf("sector size %d incompatible with device sector size %d", cfg.SectorSize, c.sectorSize))
			}
		}
		c.sectorSize = cfg.SectorSize
		c.physSize = cfg.PhysSectorSize
		c.physOffset = 0
	}

	if c.size <= 0 {
		return NewQueueError("open", c.ident, -1, ErrCodeOpen, "store has no capacity")
	}

	if d, ok := c.store.(DirectStore); ok && d.DirectIO() {
		c.direct = true
		c.alignment = d.Alignment()
		if !align.IsPowerOfTwo(c.alignment) {
			return NewQueueError("open", c.ident, -1, ErrCodeOpen,
				fmt.Sprintf("store alignment %d is not a power of two", c.alignment))
		}
	}

	if wc, ok := c.store.(WriteCacheStore); ok {
		if cfg.WriteThru && wc.WriteCache() {
			if err := wc.SetWriteCache(false); err != nil {
				return &Error{Op: "open", Ident: c.ident, Queue: -1, Code: ErrCodeOpen, Msg: err.Error(), Inner: err}
			}
		}
		c.writeCache = wc.WriteCache()
	} else {
		c.writeCache = !cfg.WriteThru
	}

	if _, ok := c.store.(DiscardStore); ok && cfg.Discard && !c.readOnly {
		c.canDiscard = true
		c.maxDiscardSect = cfg.MaxDiscardSectors
		if c.maxDiscardSect == 0 {
			c.maxDiscardSect = constants.DefaultMaxDiscardSectors
		}
		c.maxDiscardSeg = cfg.MaxDiscardSegments
		if c.maxDiscardSeg == 0 {
			c.maxDiscardSeg = constants.DefaultMaxDiscardSegments
		}
		c.discardAlign = cfg.DiscardAlignment
		if c.discardAlign == 0 {
			c.discardAlign = c.physSize / c.sectorSize
		}
	}

	c.cyl, c.heads, c.secpt = deriveCHS(c.size, c.sectorSize)
	return nil
}

// Close releases the context. It fails with ErrBusy while any queue holds
// requests and with ErrClosed on a second call.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return NewQueueError("close", c.ident, -1, ErrCodeClosed, "context already closed")
	}
	if n := c.routes.busy(); n > 0 {
		return NewQueueError("close", c.ident, -1, ErrCodeDeviceBusy,
			fmt.Sprintf("%d requests in flight", n))
	}
	c.closed = true

	var errs []error
	if c.owned {
		if err := c.exec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Close(); err != nil && !errors.Is(err, syscall.EBADF) {
		errs = append(errs, err)
	}
	c.metrics.Stop()

	c.log.Info("closed block interface", "bounce_allocations", c.bounce.Allocations())

	if err := errors.Join(errs...); err != nil {
		c.log.WithError(err).Warn("close incomplete")
		return WrapError("close", err)
	}
	return nil
}

// Accessors

// Ident returns the context identifier
func (c *Context) Ident() string { return c.ident }

// Size returns the store capacity in bytes
func (c *Context) Size() int64 { return c.size }

// SectorSize returns the logical sector size in bytes
func (c *Context) SectorSize() int { return c.sectorSize }

// PhysicalSectorSize returns the physical sector size and its offset from LBA 0
func (c *Context) PhysicalSectorSize() (size, offset int) { return c.physSize, c.physOffset }

// CHS returns the legacy geometry derived from the capacity
func (c *Context) CHS() (cylinders uint16, heads, sectorsPerTrack uint8) {
	return c.cyl, c.heads, c.secpt
}

// ReadOnly reports whether writes and discards are rejected
func (c *Context) ReadOnly() bool { return c.readOnly }

// CanDiscard reports whether Discard is available
func (c *Context) CanDiscard() bool { return c.canDiscard }

// MaxDiscardSectors returns the largest discard extent in logical sectors
func (c *Context) MaxDiscardSectors() int { return c.maxDiscardSect }

// MaxDiscardSegments returns the largest number of extents per discard
func (c *Context) MaxDiscardSegments() int { return c.maxDiscardSeg }

// DiscardSectorAlignment returns the discard granularity in logical sectors
func (c *Context) DiscardSectorAlignment() int { return c.discardAlign }

// QueueSize returns the depth of each queue
func (c *Context) QueueSize() int { return c.depth }

// NumQueues returns the number of queues
func (c *Context) NumQueues() int { return c.routes.queues() }

// InFlight returns the number of requests holding a slot on queue q
func (c *Context) InFlight(q int) int {
	if !c.routes.valid(q) {
		return 0
	}
	return c.routes.depth(q)
}

// DirectIO reports whether the store bypasses the host page cache
func (c *Context) DirectIO() bool { return c.direct }

// Alignment returns the direct I/O alignment, or 0 for buffered stores
func (c *Context) Alignment() int { return c.alignment }

// Metrics returns the context's built-in metrics
func (c *Context) Metrics() *Metrics { return c.metrics }

// WriteCache reports whether the host write cache is enabled
func (c *Context) WriteCache() bool {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.writeCache
}

// SetWriteCache toggles the host write cache
func (c *Context) SetWriteCache(enabled bool) error {
	wc, ok := c.store.(WriteCacheStore)
	if !ok {
		return NewQueueError("set_write_cache", c.ident, -1, ErrCodeNotSupported,
			"store cannot toggle its write cache")
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if err := wc.SetWriteCache(enabled); err != nil {
		e := WrapError("set_write_cache", err)
		e.Ident = c.ident
		return e
	}
	c.writeCache = enabled
	c.log.Debug("write cache changed", "enabled", enabled)
	return nil
}
