package heap

import (
	"unsafe"

	"github.com/vkngwrapper/hoard/memutils"
)

// calcActualSize converts a user request into the total block size to carve
// out: the request rounded up to the heap alignment, plus the allocated
// header, floored at the unallocated header size so the block can return to
// a free list later.
func calcActualSize(rawSize uint64) uint64 {
	actualSize := allocHeaderSize + memutils.RoundUp8(rawSize)
	if actualSize < unallocHeaderSize {
		actualSize = unallocHeaderSize
	}

	return actualSize
}

func (h *Heap) allocObject(rawSize uint64) unsafe.Pointer {
	if rawSize == 0 {
		return nil
	}

	block := h.allocBlock(calcActualSize(rawSize))
	if block == nil {
		return nil
	}

	ptr := block.userPointer()
	if h.liveAllocations != nil {
		h.liveAllocations.Put(uintptr(ptr), block.size()-allocHeaderSize)
	}

	memutils.DebugValidate(heapInvariants{h})
	return ptr
}

// allocBlock finds a block of at least actualSize bytes, growing the heap
// as many times as the chunk source allows. Returns nil once the source is
// exhausted.
func (h *Heap) allocBlock(actualSize uint64) *header {
	for {
		block := h.findFreeBlock(actualSize)
		if block != nil {
			return block
		}

		if !h.growHeap() {
			return nil
		}
	}
}

// findFreeBlock runs a first-fit search starting at actualSize's own class
// and falling through to larger classes. Exact classes that are empty are
// skipped outright, but the catch-all class is always walked: it mixes every
// large size, so candidates there must be size-checked individually.
func (h *Heap) findFreeBlock(actualSize uint64) *header {
	for i := h.classOf(actualSize); i < h.numLists; i++ {
		sentinel := &h.freeLists[i]
		if sentinel.next == sentinel && i != h.numLists-1 {
			continue
		}

		for curr := sentinel.next; curr != sentinel; curr = curr.next {
			currSize := curr.size()
			if currSize < actualSize {
				continue
			}

			// A remainder below the minimum free-block footprint cannot be
			// linked into any list, so the candidate is handed out whole.
			if currSize-actualSize < unallocHeaderSize {
				curr.setState(stateAllocated)
				removeFreeBlock(curr)
				return curr
			}

			return h.splitBlock(curr, actualSize, i)
		}
	}

	return nil
}

// splitBlock carves actualSize bytes off the right edge of block. Shrinking
// at the left keeps block's address, so its free-list linkage survives and
// only its class may need correcting; the caller receives the new allocated
// block at the right.
func (h *Heap) splitBlock(block *header, actualSize uint64, class int) *header {
	block.setSize(block.size() - actualSize)

	allocated := block.rightNeighbor()
	allocated.setSizeState(actualSize, stateAllocated)
	allocated.leftSize = block.size()

	allocated.rightNeighbor().leftSize = actualSize

	if h.classOf(block.size()) != class {
		h.reclassifyFreeBlock(block)
	}

	return allocated
}
