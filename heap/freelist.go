package heap

// Free blocks are indexed by size class in an array of sentinel-headed
// circular doubly-linked lists. Class i holds blocks whose user-payload size
// is exactly (i+1)*8 bytes; the final class is a catch-all for every payload
// of NumLists*8 bytes or more. Sentinels are headers whose size words are
// never read; only their links are used.

// classOf maps a total block size (header included) to its free list class.
func (h *Heap) classOf(size uint64) int {
	index := int((size-allocHeaderSize)/8) - 1
	if index >= h.numLists {
		index = h.numLists - 1
	}
	return index
}

// insertFreeBlock links block at the head of its class, immediately after
// the sentinel. Insertion order within a class is LIFO.
func (h *Heap) insertFreeBlock(block *header) {
	if block.state() != stateUnallocated {
		panic("inserting a block that is not free")
	}

	sentinel := &h.freeLists[h.classOf(block.size())]
	block.next = sentinel.next
	block.prev = sentinel
	sentinel.next.prev = block
	sentinel.next = block
}

// removeFreeBlock unlinks block from its class using its own links.
func removeFreeBlock(block *header) {
	block.prev.next = block.next
	block.next.prev = block.prev
}

// reclassifyFreeBlock moves block to the class computed from its current
// size. Callers invoke it after resizing a block whose new size maps to a
// different class.
func (h *Heap) reclassifyFreeBlock(block *header) {
	removeFreeBlock(block)
	h.insertFreeBlock(block)
}
