package interfaces

// Store defines the interface that every backing store must implement.
// It mirrors io.ReaderAt and io.WriterAt so files, block devices and
// in-memory images can be swapped freely.
type Store interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// A short count with a nil error is reported to the caller as residual
	// bytes rather than as a failure.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the capacity of the store in bytes.
	Size() int64

	// Close releases the store. No other method may be called afterwards.
	Close() error

	// Flush makes previously completed writes durable.
	Flush() error
}

// DiscardStore is an optional interface for stores that can deallocate
// ranges (TRIM/UNMAP/punch hole). offset and length are in bytes.
type DiscardStore interface {
	Store

	Discard(offset, length int64) error
}

// VectoredStore is an optional interface for stores that can service a
// scatter/gather list in one host call.
type VectoredStore interface {
	Store

	ReadvAt(iov [][]byte, off int64) (n int, err error)
	WritevAt(iov [][]byte, off int64) (n int, err error)
}

// GeometryStore is an optional interface for stores that can report the
// sector geometry probed from the host.
type GeometryStore interface {
	Store

	// SectorSize returns the logical sector size in bytes.
	SectorSize() int

	// PhysicalSector returns the physical sector size and the offset of
	// the first aligned physical sector, both in bytes.
	PhysicalSector() (size, offset int)
}

// DirectStore is an optional interface for stores opened for direct I/O.
// When DirectIO reports true, every buffer address, buffer length and
// offset passed to the store must be a multiple of Alignment.
type DirectStore interface {
	Store

	DirectIO() bool
	Alignment() int
}

// WriteCacheStore is an optional interface for stores whose write-back
// caching can be switched at runtime.
type WriteCacheStore interface {
	Store

	WriteCache() bool
	SetWriteCache(enabled bool) error
}

// FdStore is an optional interface for stores backed by a host file
// descriptor. Executors that talk to the kernel directly require it.
type FdStore interface {
	Store

	Fd() uintptr
}
