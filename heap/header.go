package heap

import (
	"unsafe"
)

// blockState lives in the low two bits of a header's size word. Sizes are
// always multiples of 8, so those bits are otherwise unused.
type blockState uint64

const (
	// stateUnallocated marks a block owned by a free list. The header's
	// next and prev fields are live.
	stateUnallocated blockState = 0
	// stateAllocated marks a block owned by the user. The bytes that held
	// next and prev are now the start of the user's data.
	stateAllocated blockState = 1
	// stateFencepost marks a minimum-sized boundary block at either end of
	// a chunk. Fenceposts are never handed to the user and never coalesced
	// by the deallocator.
	stateFencepost blockState = 2

	stateMask uint64 = 0x3
)

var blockStateMapping = map[blockState]string{
	stateUnallocated: "Unallocated",
	stateAllocated:   "Allocated",
	stateFencepost:   "Fencepost",
}

func (s blockState) String() string {
	return blockStateMapping[s]
}

// header is the in-band metadata record at the start of every block. The
// size and leftSize words are always present; the two list pointers are an
// overlay that is only valid while the block is unallocated. Once a block is
// allocated the same 16 bytes become the first bytes of the user's data.
//
// leftSize names the total size of the in-memory left neighbor, which makes
// backward navigation possible without any global index.
type header struct {
	sizeState uint64
	leftSize  uint64
	next      *header
	prev      *header
}

const (
	// allocHeaderSize is the portion of the header that survives
	// allocation: the size and leftSize words.
	allocHeaderSize = uint64(unsafe.Offsetof(header{}.next))
	// unallocHeaderSize is the full header footprint. It is the minimum
	// size of any free block and therefore the minimum allocation
	// granularity for split remainders.
	unallocHeaderSize = uint64(unsafe.Sizeof(header{}))
)

func (h *header) size() uint64 {
	return h.sizeState &^ stateMask
}

func (h *header) setSize(size uint64) {
	h.sizeState = (size &^ stateMask) | (h.sizeState & stateMask)
}

func (h *header) state() blockState {
	return blockState(h.sizeState & stateMask)
}

func (h *header) setState(state blockState) {
	h.sizeState = (h.sizeState &^ stateMask) | (uint64(state) & stateMask)
}

func (h *header) setSizeState(size uint64, state blockState) {
	h.sizeState = (size &^ stateMask) | (uint64(state) & stateMask)
}

// rightNeighbor returns the header that starts where this block ends.
func (h *header) rightNeighbor() *header {
	return (*header)(unsafe.Add(unsafe.Pointer(h), int(h.size())))
}

// leftNeighbor returns the header of the in-memory block before this one.
func (h *header) leftNeighbor() *header {
	return (*header)(unsafe.Add(unsafe.Pointer(h), -int(h.leftSize)))
}

// userPointer returns the address handed to the user for an allocated
// block: allocHeaderSize bytes past the header.
func (h *header) userPointer() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), int(allocHeaderSize))
}

// headerOf is the inverse of userPointer.
func headerOf(ptr unsafe.Pointer) *header {
	return (*header)(unsafe.Add(ptr, -int(allocHeaderSize)))
}

func headerAtOffset(ptr unsafe.Pointer, offset int) *header {
	return (*header)(unsafe.Add(ptr, offset))
}
