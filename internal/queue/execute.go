package queue

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-blockif/internal/interfaces"
)

// Execute performs d synchronously against its target store
func Execute(d *Descriptor) (int, error) {
	switch d.Op {
	case OpRead:
		if v, ok := d.Target.(interfaces.VectoredStore); ok && len(d.Iov) > 1 {
			return v.ReadvAt(d.Iov, d.Offset)
		}
		return readSegments(d.Target, d.Iov, d.Offset)
	case OpWrite:
		if v, ok := d.Target.(interfaces.VectoredStore); ok && len(d.Iov) > 1 {
			return v.WritevAt(d.Iov, d.Offset)
		}
		return writeSegments(d.Target, d.Iov, d.Offset)
	case OpFlush:
		return 0, d.Target.Flush()
	case OpDiscard:
		ds, ok := d.Target.(interfaces.DiscardStore)
		if !ok {
			return 0, unix.EOPNOTSUPP
		}
		total := 0
		for _, r := range d.Ranges {
			if err := ds.Discard(r.Offset, r.Length); err != nil {
				return total, err
			}
			total += int(r.Length)
		}
		return total, nil
	default:
		return 0, unix.EINVAL
	}
}

// readSegments stops at the first short segment or io.EOF; the remainder
// is residual
func readSegments(s interfaces.Store, iov [][]byte, off int64) (int, error) {
	total := 0
	for _, seg := range iov {
		if len(seg) == 0 {
			continue
		}
		n, err := s.ReadAt(seg, off+int64(total))
		total += n
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil || n < len(seg) {
			return total, err
		}
	}
	return total, nil
}

func writeSegments(s interfaces.Store, iov [][]byte, off int64) (int, error) {
	total := 0
	for _, seg := range iov {
		if len(seg) == 0 {
			continue
		}
		n, err := s.WriteAt(seg, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
