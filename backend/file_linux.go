//go:build linux

package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blockif/internal/constants"
	"github.com/ehrlich-b/go-blockif/internal/interfaces"
)

// Block device ioctls from <linux/fs.h>
const (
	blkSectorSizeGet     = 0x1268 // BLKSSZGET
	blkDiscard           = 0x1277 // BLKDISCARD
	blkAlignOffset       = 0x127a // BLKALIGNOFF
	blkPhysSectorSizeGet = 0x127b // BLKPBSZGET
)

// FileConfig controls how OpenFile opens the backing path
type FileConfig struct {
	// Direct opens with O_DIRECT, bypassing the host page cache
	Direct bool
	// ReadOnly opens with O_RDONLY
	ReadOnly bool
	// WriteThrough disables the write cache: every write is followed by fdatasync
	WriteThrough bool
}

// File is a store backed by a regular file or a block device
type File struct {
	f    *os.File
	fd   int
	path string

	size        int64
	sectorSize  int
	physSector  int
	physOffset  int
	alignment   int
	direct      bool
	blockDevice bool

	mu         sync.RWMutex
	writeCache bool
}

// OpenFile opens path as a store and probes its geometry
func OpenFile(path string, cfg FileConfig) (*File, error) {
	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	if cfg.Direct {
		flags |= unix.O_DIRECT
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	s := &File{
		f:          f,
		fd:         int(f.Fd()),
		path:       path,
		direct:     cfg.Direct,
		writeCache: !cfg.WriteThrough,
	}
	if err := s.probe(); err != nil {
		f.Close()
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	return s, nil
}

func (s *File) probe() error {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return err
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		s.blockDevice = true
		return s.probeBlockDevice()
	case unix.S_IFREG:
		return s.probeRegular(&st)
	default:
		return fmt.Errorf("not a regular file or block device (mode %#o)", st.Mode&unix.S_IFMT)
	}
}

func (s *File) probeBlockDevice() error {
	size, err := ioctlUint64(s.fd, unix.BLKGETSIZE64)
	if err != nil {
		return fmt.Errorf("BLKGETSIZE64: %w", err)
	}
	s.size = int64(size)

	ssz, err := unix.IoctlGetInt(s.fd, blkSectorSizeGet)
	if err != nil {
		return fmt.Errorf("BLKSSZGET: %w", err)
	}
	s.sectorSize = ssz

	// Older kernels lack the physical block size and alignment ioctls.
	psz, err := unix.IoctlGetUint32(s.fd, blkPhysSectorSizeGet)
	if err != nil || psz == 0 {
		psz = uint32(ssz)
	}
	s.physSector = int(psz)
	if off, err := unix.IoctlGetInt(s.fd, blkAlignOffset); err == nil && off > 0 {
		s.physOffset = off
	}

	s.alignment = ssz
	return nil
}

func (s *File) probeRegular(st *unix.Stat_t) error {
	s.size = st.Size
	s.sectorSize = constants.DefaultSectorSize
	s.physSector = int(st.Blksize)
	if s.physSector < s.sectorSize {
		s.physSector = s.sectorSize
	}

	s.alignment = s.sectorSize
	if s.direct {
		var fs unix.Statfs_t
		if err := unix.Fstatfs(s.fd, &fs); err != nil {
			return fmt.Errorf("statfs: %w", err)
		}
		if bsize := int(fs.Bsize); bsize > 0 && bsize&(bsize-1) == 0 {
			s.alignment = bsize
		}
	}
	return nil
}

func ioctlUint64(fd int, req uint) (uint64, error) {
	var v uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

// ReadAt implements the Store interface. End of file yields a short count
// and no error.
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pread(s.fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// WriteAt implements the Store interface
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(s.fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, s.syncIfWriteThrough()
}

// ReadvAt implements the VectoredStore interface
func (s *File) ReadvAt(iov [][]byte, off int64) (int, error) {
	for {
		n, err := unix.Preadv(s.fd, iov, off)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// WritevAt implements the VectoredStore interface
func (s *File) WritevAt(iov [][]byte, off int64) (int, error) {
	want := 0
	for _, seg := range iov {
		want += len(seg)
	}
	for {
		n, err := unix.Pwritev(s.fd, iov, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if n < want {
			return n, io.ErrShortWrite
		}
		return n, s.syncIfWriteThrough()
	}
}

func (s *File) syncIfWriteThrough() error {
	s.mu.RLock()
	wce := s.writeCache
	s.mu.RUnlock()
	if wce {
		return nil
	}
	return unix.Fdatasync(s.fd)
}

// Size implements the Store interface
func (s *File) Size() int64 {
	return s.size
}

// Close implements the Store interface
func (s *File) Close() error {
	return s.f.Close()
}

// Flush implements the Store interface
func (s *File) Flush() error {
	for {
		err := unix.Fdatasync(s.fd)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Discard implements the DiscardStore interface. Block devices use
// BLKDISCARD; regular files punch a hole without changing their size.
func (s *File) Discard(offset, length int64) error {
	if s.blockDevice {
		rng := [2]uint64{uint64(offset), uint64(length)}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), blkDiscard, uintptr(unsafe.Pointer(&rng)))
		if errno != 0 {
			return errno
		}
		return nil
	}

	err := unix.Fallocate(s.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if errors.Is(err, unix.EOPNOTSUPP) {
		return fmt.Errorf("punch hole on %s: %w", s.path, err)
	}
	return err
}

// SectorSize implements the GeometryStore interface
func (s *File) SectorSize() int {
	return s.sectorSize
}

// PhysicalSector implements the GeometryStore interface
func (s *File) PhysicalSector() (size, offset int) {
	return s.physSector, s.physOffset
}

// DirectIO implements the DirectStore interface
func (s *File) DirectIO() bool {
	return s.direct
}

// Alignment implements the DirectStore interface
func (s *File) Alignment() int {
	return s.alignment
}

// WriteCache implements the WriteCacheStore interface
func (s *File) WriteCache() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeCache
}

// SetWriteCache implements the WriteCacheStore interface. Disabling the
// cache flushes what is already cached.
func (s *File) SetWriteCache(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeCache && !enabled {
		if err := unix.Fdatasync(s.fd); err != nil {
			return err
		}
	}
	s.writeCache = enabled
	return nil
}

// Fd implements the FdStore interface
func (s *File) Fd() uintptr {
	return uintptr(s.fd)
}

// BlockDevice reports whether the store is a block device
func (s *File) BlockDevice() bool {
	return s.blockDevice
}

var (
	_ interfaces.Store           = (*File)(nil)
	_ interfaces.DiscardStore    = (*File)(nil)
	_ interfaces.VectoredStore   = (*File)(nil)
	_ interfaces.GeometryStore   = (*File)(nil)
	_ interfaces.DirectStore     = (*File)(nil)
	_ interfaces.WriteCacheStore = (*File)(nil)
	_ interfaces.FdStore         = (*File)(nil)
)
