package constants

// Default configuration constants
const (
	// DefaultQueueDepth is the default advisory depth of each request queue
	DefaultQueueDepth = 64

	// DefaultWorkersPerQueue is the number of executor goroutines per queue.
	// A single worker keeps completions of one queue in submission order.
	DefaultWorkersPerQueue = 1

	// MaxQueues is the largest queue count Open accepts
	MaxQueues = 64

	// DefaultSectorSize is the default logical sector size in bytes
	DefaultSectorSize = 512

	// MinSectorSize and MaxSectorSize bound the sectorsize option
	MinSectorSize = 512
	MaxSectorSize = 64 * 1024

	// IOVMax is the practical cap on segments carried by one request
	IOVMax = 256

	// DefaultMaxDiscardSectors is the default per-request discard limit in sectors
	DefaultMaxDiscardSectors = 0x3fffff

	// DefaultMaxDiscardSegments is the default number of ranges per discard
	DefaultMaxDiscardSegments = 1
)

// Memory allocation constants
const (
	// MaxPooledBounceSize is the largest bounce buffer served from the pool (1MB).
	// Larger buffers are mapped anonymously and unmapped on release.
	MaxPooledBounceSize = 1 << 20

	// LogBufferSize is the number of pending messages held by the async log writer
	LogBufferSize = 1000
)
