package heap

import (
	"context"
	"unsafe"

	"golang.org/x/exp/slog"
)

// initFencepost marks fp as a boundary block. Fenceposts occupy exactly
// allocHeaderSize bytes and carry a leftSize so that backward navigation
// works when the walk arrives at a chunk edge.
func initFencepost(fp *header, leftSize uint64) {
	fp.setSizeState(allocHeaderSize, stateFencepost)
	fp.leftSize = leftSize
}

// insertFenceposts installs the two boundary blocks of a fresh chunk: one at
// offset zero and one allocHeaderSize bytes before the chunk's end.
func insertFenceposts(mem unsafe.Pointer, size uint64) {
	leftFence := (*header)(mem)
	initFencepost(leftFence, allocHeaderSize)

	rightFence := headerAtOffset(mem, int(size-allocHeaderSize))
	initFencepost(rightFence, size-2*allocHeaderSize)
}

// allocChunk obtains size bytes from the chunk source, fences them, and
// returns the single free interior block. A nil block means the source
// could not grow.
func (h *Heap) allocChunk(size uint64) (*header, error) {
	mem, err := h.source.Grow(size)
	if err != nil {
		return nil, err
	}

	insertFenceposts(mem, size)

	block := headerAtOffset(mem, int(allocHeaderSize))
	block.setSizeState(size-2*allocHeaderSize, stateUnallocated)
	block.leftSize = allocHeaderSize

	if h.lowAddr == 0 || uintptr(mem) < h.lowAddr {
		h.lowAddr = uintptr(mem)
	}
	if end := uintptr(mem) + uintptr(size); end > h.highAddr {
		h.highAddr = end
	}

	return block, nil
}

// registerChunk appends a chunk's left fencepost to the registry. Once the
// registry is full further chunks go untracked: allocation still works, but
// the verifier and the statistics walk will not see them.
func (h *Heap) registerChunk(leftFence *header) {
	if len(h.chunks) < h.maxChunks {
		h.chunks = append(h.chunks, leftFence)
	}
}

// stitchChunks merges a freshly grown chunk into the chunk that physically
// precedes it. The two fenceposts at the junction are dissolved: if the
// block left of the junction is free it absorbs both fenceposts and the new
// interior; otherwise the junction's left fencepost is converted in place
// into the header of the combined free span.
func (h *Heap) stitchChunks(block *header) {
	leftFence := block.leftNeighbor()
	rightFence := block.rightNeighbor()

	prevFence := headerAtOffset(unsafe.Pointer(leftFence), -int(allocHeaderSize))
	prevBlock := prevFence.leftNeighbor()

	var merged uint64
	if prevBlock.state() == stateUnallocated {
		oldClass := h.classOf(prevBlock.size())
		merged = prevBlock.size() + block.size() + 2*allocHeaderSize
		prevBlock.setSize(merged)

		if h.classOf(merged) != oldClass {
			h.reclassifyFreeBlock(prevBlock)
		}
	} else {
		merged = block.size() + 2*allocHeaderSize
		prevFence.setSizeState(merged, stateUnallocated)
		h.insertFreeBlock(prevFence)
	}

	rightFence.leftSize = merged
}

// growHeap acquires one more arena-sized chunk and makes its interior
// allocatable, either by stitching it onto the previous chunk or by
// registering it as a new chunk. Returns false if the source failed.
func (h *Heap) growHeap() bool {
	block, err := h.allocChunk(h.arenaSize)
	if block == nil {
		if err != nil {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "heap growth failed",
				slog.Uint64("arenaSize", h.arenaSize),
				slog.Any("error", err))
		}
		return false
	}

	leftFence := block.leftNeighbor()
	rightFence := block.rightNeighbor()
	prevFence := headerAtOffset(unsafe.Pointer(leftFence), -int(allocHeaderSize))

	if prevFence == h.lastFence {
		h.stitchChunks(block)
	} else {
		h.registerChunk(leftFence)
		h.insertFreeBlock(block)
	}

	h.lastFence = rightFence
	return true
}
