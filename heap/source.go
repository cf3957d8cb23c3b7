package heap

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/vkngwrapper/hoard/memutils"
)

// ChunkSource is the OS growth primitive: a monotonic "extend by size bytes"
// call in the style of the classic data-segment break. Successive Grow calls
// may return physically adjacent spans; the heap detects adjacency and
// merges such chunks across their fenceposts.
type ChunkSource interface {
	// Grow extends the source by size bytes and returns a pointer to the
	// start of the new span. size must be a multiple of
	// memutils.HeaderAlignment and the returned span must be aligned to it.
	Grow(size uint64) (unsafe.Pointer, error)
}

// bufferSource hands out monotonic spans of a single Go allocation. It is
// the fallback ChunkSource on platforms without a memory-mapping syscall
// surface, and the deterministic source used throughout the tests.
type bufferSource struct {
	buf    []byte
	offset uint64
}

// NewBufferSource returns a ChunkSource backed by one capacity-byte Go
// allocation. Spans are handed out front to back, so consecutive Grow calls
// return adjacent memory.
func NewBufferSource(capacity uint64) ChunkSource {
	buf := make([]byte, capacity+memutils.HeaderAlignment)

	// The runtime aligns large allocations well past 8 bytes, but the heap
	// only requires HeaderAlignment, so settle for that explicitly.
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	offset := memutils.AlignUp(addr, memutils.HeaderAlignment) - addr

	return &bufferSource{
		buf:    buf,
		offset: offset,
	}
}

func (s *bufferSource) Grow(size uint64) (unsafe.Pointer, error) {
	memutils.DebugCheckAligned(size, "chunk size")

	if s.offset+size > uint64(len(s.buf)) {
		return nil, errors.Errorf("heap reservation exhausted: %d bytes requested, %d remain",
			size, uint64(len(s.buf))-s.offset)
	}

	span := unsafe.Pointer(&s.buf[s.offset])
	s.offset += size
	return span, nil
}
