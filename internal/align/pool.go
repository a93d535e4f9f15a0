package align

import (
	"math/bits"
	"unsafe"

	"git.lukeshu.com/go/typedsync"

	"github.com/ehrlich-b/go-blockif/internal/constants"
)

// bufferPool provides pooled, page-aligned scratch buffers to avoid
// hot-path allocations for bounce windows. Sizes are bucketed in powers of
// two from 4KB up to MaxPooledBounceSize.
//
// Uses *[]byte so Put does not allocate an interface box per call.

const (
	// poolAlignment is the address alignment of every pooled buffer
	poolAlignment = 4096

	minClassShift = 12 // 4KB
	maxClassShift = 20 // 1MB
	numClasses    = maxClassShift - minClassShift + 1
)

type bufferPool struct {
	classes [numClasses]typedsync.Pool[*[]byte]
}

func newBufferPool() *bufferPool {
	p := &bufferPool{}
	for i := range p.classes {
		size := 1 << (minClassShift + i)
		p.classes[i].New = func() *[]byte {
			b := allocAligned(size, poolAlignment)
			return &b
		}
	}
	return p
}

// classFor returns the pool class serving size, or -1 when size is not pooled.
func classFor(size int, alignment int) int {
	if size <= 0 || size > constants.MaxPooledBounceSize || alignment > poolAlignment {
		return -1
	}
	shift := bits.Len(uint(size - 1))
	if shift < minClassShift {
		shift = minClassShift
	}
	return shift - minClassShift
}

// get returns a full-capacity buffer from class c.
func (p *bufferPool) get(c int) *[]byte {
	b, _ := p.classes[c].Get()
	return b
}

// put returns a buffer to class c. Buffers with a foreign capacity are dropped.
func (p *bufferPool) put(c int, b *[]byte) {
	if c < 0 || c >= numClasses || cap(*b) != 1<<(minClassShift+c) {
		return
	}
	*b = (*b)[:cap(*b)]
	p.classes[c].Put(b)
}

// allocAligned over-allocates on the heap and slices at the first aligned address.
func allocAligned(size int, alignment int) []byte {
	block := make([]byte, size+alignment)
	shift := alignmentShift(block, alignment)
	off := 0
	if shift != 0 {
		off = alignment - shift
	}
	return block[off : off+size : off+size]
}

// alignmentShift returns how far the first byte of block is past an alignment boundary
func alignmentShift(block []byte, alignment int) int {
	if len(block) == 0 {
		return 0
	}
	return int(uintptr(unsafe.Pointer(&block[0])) & uintptr(alignment-1))
}
