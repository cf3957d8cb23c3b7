package heap

import (
	"github.com/vkngwrapper/hoard/memutils"
)

// Stats walks every registered chunk and aggregates block counts, byte
// totals and free-range extremes. Chunks acquired past the registry bound
// are not included.
func (h *Heap) Stats() memutils.DetailedStatistics {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()

	for _, chunk := range h.chunks {
		h.addChunkStatistics(&stats, chunk)
	}

	return stats
}

func (h *Heap) addChunkStatistics(stats *memutils.DetailedStatistics, chunk *header) {
	stats.ChunkCount++
	stats.ChunkBytes += 2 * allocHeaderSize

	for block := chunk.rightNeighbor(); block.state() != stateFencepost; block = block.rightNeighbor() {
		stats.ChunkBytes += block.size()

		if block.state() == stateUnallocated {
			stats.AddFreeRange(block.size())
		} else {
			stats.AddAllocation(block.size())
		}
	}
}
