// Package align converts misaligned direct I/O requests into aligned ones.
//
// When a store is opened for direct I/O the host requires the buffer
// address, the buffer length and the file offset to be multiples of the
// device alignment. Plan decides whether a request satisfies that and, if
// not, computes the geometry of the aligned window that covers it:
//
//	|<----------------------------- BoundedSize ------------------------------>|
//	|<--- Head --->|<----------------------- OrgSize ----------------->|<-Tail->|
//	*--------------$-------------*---------- ... ---------*------------$--------*
//	AlignedDownStart             Offset                   Offset+OrgSize        AlignedDownEnd
//
// The bounce Buffer holding that window is managed by Manager.
package align

import "unsafe"

// Info is the alignment plan of one request.
type Info struct {
	Alignment int

	BaseAligned   bool
	LenAligned    bool
	OffsetAligned bool

	// NeedConversion is true iff any of the three flags above is false.
	NeedConversion bool

	Head        int
	Tail        int
	OrgSize     int
	BoundedSize int

	AlignedDownStart int64
	AlignedDownEnd   int64
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}

// RoundDown rounds v down to a multiple of alignment (a power of two).
func RoundDown(v int64, alignment int) int64 {
	return v &^ int64(alignment-1)
}

// RoundUp rounds v up to a multiple of alignment (a power of two).
func RoundUp(v int64, alignment int) int64 {
	mask := int64(alignment - 1)
	return (v + mask) &^ mask
}

// PlanSegment plans a request described by a single buffer.
// alignment must be a power of two; length must be positive.
func PlanSegment(alignment int, base uintptr, length int, offset int64) Info {
	mask := uintptr(alignment - 1)
	return plan(alignment, base&mask == 0, uintptr(length)&mask == 0, length, offset)
}

// Plan plans a request described by a scatter/gather list. The buffer
// flags hold only if every segment base and every segment length is aligned.
func Plan(alignment int, iov [][]byte, offset int64) Info {
	mask := uintptr(alignment - 1)
	baseAligned, lenAligned := true, true
	total := 0
	for _, seg := range iov {
		if len(seg) == 0 {
			continue
		}
		if uintptr(unsafe.Pointer(&seg[0]))&mask != 0 {
			baseAligned = false
		}
		if uintptr(len(seg))&mask != 0 {
			lenAligned = false
		}
		total += len(seg)
	}
	return plan(alignment, baseAligned, lenAligned, total, offset)
}

func plan(alignment int, baseAligned, lenAligned bool, length int, offset int64) Info {
	info := Info{
		Alignment:     alignment,
		BaseAligned:   baseAligned,
		LenAligned:    lenAligned,
		OffsetAligned: offset&int64(alignment-1) == 0,
	}
	info.NeedConversion = !(info.BaseAligned && info.LenAligned && info.OffsetAligned)
	if !info.NeedConversion {
		return info
	}

	end := offset + int64(length)
	info.AlignedDownStart = RoundDown(offset, alignment)
	info.AlignedDownEnd = RoundUp(end, alignment)
	info.Head = int(offset - info.AlignedDownStart)
	info.Tail = int(info.AlignedDownEnd - end)
	info.OrgSize = length
	info.BoundedSize = info.Head + length + info.Tail
	return info
}

// NeedsRMW reports whether a bounced write must first read the partial
// blocks at either edge of the window.
func (i Info) NeedsRMW() bool {
	return i.NeedConversion && (i.Head > 0 || i.Tail > 0)
}

// Blocks returns the number of alignment-sized blocks in the window.
func (i Info) Blocks() int {
	if i.Alignment == 0 {
		return 0
	}
	return i.BoundedSize / i.Alignment
}
