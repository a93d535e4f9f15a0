package blockif

import "github.com/ehrlich-b/go-blockif/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth         = constants.DefaultQueueDepth
	DefaultWorkersPerQueue    = constants.DefaultWorkersPerQueue
	DefaultSectorSize         = constants.DefaultSectorSize
	DefaultMaxDiscardSectors  = constants.DefaultMaxDiscardSectors
	DefaultMaxDiscardSegments = constants.DefaultMaxDiscardSegments
	MaxQueues                 = constants.MaxQueues
	IOVMax                    = constants.IOVMax
)
