package heap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/vkngwrapper/hoard/memutils"
)

// WriteStatsJSON streams a map of the heap into writer: aggregate totals
// followed by one object per registered chunk listing every block with its
// offset, size and state.
func (h *Heap) WriteStatsJSON(writer *jwriter.Writer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, chunk := range h.chunks {
		h.addChunkStatistics(&stats, chunk)
	}

	objState.Name("TotalBytes").Int(int(stats.ChunkBytes))
	objState.Name("AllocationBytes").Int(int(stats.AllocationBytes))
	objState.Name("Allocations").Int(stats.AllocationCount)
	objState.Name("FreeRanges").Int(stats.FreeRangeCount)

	chunksObj := objState.Name("Chunks").Object()
	defer chunksObj.End()

	for i, chunk := range h.chunks {
		chunkObj := chunksObj.Name(strconv.Itoa(i)).Object()

		chunkObj.Name("Offset").Int(int(h.offsetOf(chunk)))
		h.writeChunkBlocks(chunk, chunkObj)

		chunkObj.End()
	}
}

func (h *Heap) writeChunkBlocks(chunk *header, json jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	for block := chunk.rightNeighbor(); block.state() != stateFencepost; block = block.rightNeighbor() {
		obj := arrayState.Object()

		obj.Name("Offset").Int(int(h.offsetOf(block)))
		obj.Name("Size").Int(int(block.size()))
		obj.Name("State").String(block.state().String())

		obj.End()
	}
}
