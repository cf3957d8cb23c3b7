//go:build unix

package heap

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vkngwrapper/hoard/memutils"
)

// mmapSource reserves one anonymous private mapping up front and hands it
// out monotonically, so consecutive Grow calls return physically adjacent
// spans, the same observable behavior as extending the process break. The
// reservation is never returned to the OS while the heap lives.
type mmapSource struct {
	mapping []byte
	offset  uint64
}

// NewMmapSource returns a ChunkSource backed by an anonymous memory mapping
// of at least capacity bytes.
func NewMmapSource(capacity uint64) (ChunkSource, error) {
	pageSize := uint64(unix.Getpagesize())
	if err := memutils.CheckPow2(pageSize, "page size"); err != nil {
		return nil, err
	}
	capacity = memutils.AlignUp(capacity, pageSize)

	mapping, err := unix.Mmap(-1, 0, int(capacity),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, cerrors.Wrapf(err, "reserving %d bytes of heap memory", capacity)
	}

	return &mmapSource{mapping: mapping}, nil
}

func (s *mmapSource) Grow(size uint64) (unsafe.Pointer, error) {
	memutils.DebugCheckAligned(size, "chunk size")

	if s.offset+size > uint64(len(s.mapping)) {
		return nil, errors.Errorf("heap reservation exhausted: %d bytes requested, %d remain",
			size, uint64(len(s.mapping))-s.offset)
	}

	span := unsafe.Pointer(&s.mapping[s.offset])
	s.offset += size
	return span, nil
}

func defaultChunkSource(capacity uint64) (ChunkSource, error) {
	return NewMmapSource(capacity)
}
