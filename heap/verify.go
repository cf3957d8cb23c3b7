package heap

import (
	"unsafe"

	"github.com/pkg/errors"

	"golang.org/x/exp/slog"
)

// Validate performs the full structural walk and returns the first defect
// found: free-list cycles, broken doubly-linked references, misclassified
// or non-free listed blocks, and inconsistent boundary tags within every
// registered chunk. When the heap is functioning correctly it cannot
// return an error.
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.validate()
}

// Verify reports whether every structural invariant currently holds,
// logging the defect when one is found.
func (h *Heap) Verify() bool {
	err := h.Validate()
	if err != nil {
		h.logError("heap validation failed", slog.Any("error", err))
		return false
	}

	return true
}

func (h *Heap) validate() error {
	err := h.detectCycles()
	if err != nil {
		return err
	}

	err = h.verifyFreeLists()
	if err != nil {
		return err
	}

	return h.verifyBoundaryTags()
}

// detectCycles runs tortoise-and-hare over every class. In a well-formed
// circular list the hare lands back on the sentinel; meeting the tortoise
// first means a link loops back short of it.
func (h *Heap) detectCycles() error {
	for i := 0; i < h.numLists; i++ {
		sentinel := &h.freeLists[i]

		slow := sentinel.next
		fast := sentinel.next.next
		for fast != sentinel {
			if slow == fast {
				return errors.Errorf("free list %d contains a cycle through the block at offset %d", i, h.offsetOf(slow))
			}

			slow = slow.next
			fast = fast.next.next
		}
	}

	return nil
}

// verifyFreeLists checks every listed block's links, state and class.
func (h *Heap) verifyFreeLists() error {
	for i := 0; i < h.numLists; i++ {
		sentinel := &h.freeLists[i]

		for curr := sentinel.next; curr != sentinel; curr = curr.next {
			if curr.next.prev != curr {
				return errors.Errorf("block at offset %d lists a next block whose back reference is broken", h.offsetOf(curr))
			}
			if curr.prev.next != curr {
				return errors.Errorf("block at offset %d lists a previous block whose forward reference is broken", h.offsetOf(curr))
			}

			if curr.state() != stateUnallocated {
				return errors.Errorf("block at offset %d is in free list %d but its state is %s", h.offsetOf(curr), i, curr.state().String())
			}
			if h.classOf(curr.size()) != i {
				return errors.Errorf("block at offset %d has size %d but is linked into free list %d", h.offsetOf(curr), curr.size(), i)
			}
		}
	}

	return nil
}

// verifyBoundaryTags walks every registered chunk from its left fencepost
// to its right fencepost, checking that each block's size is mirrored in
// its right neighbor's leftSize and that coalescing is maximal.
func (h *Heap) verifyBoundaryTags() error {
	for _, chunk := range h.chunks {
		if chunk.state() != stateFencepost {
			return errors.Errorf("chunk at offset %d does not begin with a fencepost", h.offsetOf(chunk))
		}

		prevState := chunk.state()
		block := chunk
		for {
			if block.rightNeighbor().leftSize != block.size() {
				return errors.Errorf("block at offset %d has size %d but its right neighbor's left size is %d",
					h.offsetOf(block), block.size(), block.rightNeighbor().leftSize)
			}

			block = block.rightNeighbor()
			if block.state() == stateFencepost {
				break
			}

			if block.state() == stateUnallocated && prevState == stateUnallocated {
				return errors.Errorf("block at offset %d and its left neighbor are both free", h.offsetOf(block))
			}
			prevState = block.state()
		}
	}

	return nil
}

func (h *Heap) offsetOf(block *header) uint64 {
	return uint64(uintptr(unsafe.Pointer(block)) - h.base)
}
