package blockif

import (
	"github.com/ehrlich-b/go-blockif/internal/interfaces"
	"github.com/ehrlich-b/go-blockif/internal/queue"
)

// Store interfaces, re-exported from internal/interfaces
type (
	Store           = interfaces.Store
	DiscardStore    = interfaces.DiscardStore
	VectoredStore   = interfaces.VectoredStore
	GeometryStore   = interfaces.GeometryStore
	DirectStore     = interfaces.DirectStore
	WriteCacheStore = interfaces.WriteCacheStore
	FdStore         = interfaces.FdStore
)

// Executor contract, re-exported from internal/queue
type (
	Executor   = queue.Executor
	Descriptor = queue.Descriptor
	Op         = queue.Op

	// DiscardRange is one extent of a discard request, in bytes
	DiscardRange = queue.Range
)

const (
	OpRead    = queue.OpRead
	OpWrite   = queue.OpWrite
	OpFlush   = queue.OpFlush
	OpDiscard = queue.OpDiscard
)

// Logger is the printf-style logging surface accepted by Options
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// blockDevice is implemented by stores that can tell a raw device from an image file
type blockDevice interface {
	BlockDevice() bool
}
