package heap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/hoard/memutils"
)

// fatalExit terminates the process after an unrecoverable misuse
// diagnostic. Swapped out in tests.
var fatalExit func(code int) = os.Exit

func (h *Heap) deallocObject(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	block := headerOf(ptr)
	if block.state() == stateUnallocated {
		// The write goes straight to stderr as well as the logger: the
		// process is about to die and the logger's sink may buffer.
		fmt.Fprintln(os.Stderr, "double free detected")
		h.logError("double free detected",
			slog.Uint64("offset", uint64(uintptr(ptr)-h.base)),
			slog.Uint64("size", block.size()))
		fatalExit(1)
		return
	}

	if h.liveAllocations != nil {
		h.liveAllocations.Delete(uintptr(ptr))
	}

	left := block.leftNeighbor()
	right := block.rightNeighbor()
	leftFree := left.state() == stateUnallocated
	rightFree := right.state() == stateUnallocated

	block.setState(stateUnallocated)

	switch {
	case leftFree && rightFree:
		h.mergeBoth(left, block, right)
	case leftFree:
		h.mergeLeft(left, block, right)
	case rightFree:
		h.mergeRight(block, right)
	default:
		h.insertFreeBlock(block)
	}

	memutils.DebugValidate(heapInvariants{h})
}

// mergeBoth folds block and its right neighbor into the left neighbor. The
// left neighbor stays linked throughout; only the right neighbor leaves its
// list.
func (h *Heap) mergeBoth(left, block, right *header) {
	class := h.classOf(left.size())

	newSize := left.size() + block.size() + right.size()
	removeFreeBlock(right)
	left.setSize(newSize)
	right.rightNeighbor().leftSize = newSize

	if h.classOf(newSize) != class {
		h.reclassifyFreeBlock(left)
	}
}

func (h *Heap) mergeLeft(left, block, right *header) {
	class := h.classOf(left.size())

	newSize := left.size() + block.size()
	left.setSize(newSize)
	right.leftSize = newSize

	if h.classOf(newSize) != class {
		h.reclassifyFreeBlock(left)
	}
}

// mergeRight absorbs the right neighbor into block. The survivor keeps
// block's address, so the right neighbor is unlinked and the survivor
// inserted fresh.
func (h *Heap) mergeRight(block, right *header) {
	newSize := block.size() + right.size()
	removeFreeBlock(right)
	block.setSize(newSize)
	right.rightNeighbor().leftSize = newSize

	h.insertFreeBlock(block)
}
