package heap_test

import (
	"encoding/json"
	"io"
	"unsafe"

	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/hoard/heap"
	"github.com/vkngwrapper/hoard/memutils"
)

const (
	testArenaSize = 4096
	// An arena's interior payload is the arena minus its two 16-byte fenceposts.
	testInteriorSize = testArenaSize - 32
)

func createTestHeap(t *testing.T) *heap.Heap {
	t.Helper()

	h, err := heap.New(heap.CreateOptions{
		Source: heap.NewBufferSource(testArenaSize * 16),
		Logger: slog.New(slog.NewTextHandler(io.Discard)),
	})
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	return h
}

func TestHeapCreate(t *testing.T) {
	h := createTestHeap(t)

	stats := h.Stats()
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ChunkCount:      1,
			ChunkBytes:      testArenaSize,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: ^uint64(0),
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  testInteriorSize,
		FreeRangeSizeMax:  testInteriorSize,
	}, stats)
}

func TestHeapCreateInvalidOptions(t *testing.T) {
	_, err := heap.New(heap.CreateOptions{ArenaSize: 48})
	require.ErrorIs(t, err, heap.InvalidArenaSizeError)

	_, err = heap.New(heap.CreateOptions{ArenaSize: 4100})
	require.ErrorIs(t, err, memutils.AlignmentError)

	_, err = heap.New(heap.CreateOptions{NumLists: -1})
	require.ErrorIs(t, err, heap.InvalidNumListsError)

	_, err = heap.New(heap.CreateOptions{MaxChunks: -1})
	require.ErrorIs(t, err, heap.InvalidMaxChunksError)
}

func TestMallocZeroSize(t *testing.T) {
	h := createTestHeap(t)

	require.Nil(t, h.Malloc(0))
	require.True(t, h.Verify())
}

func TestMallocAlignment(t *testing.T) {
	h := createTestHeap(t)

	for size := uint64(1); size <= 128; size += 7 {
		ptr := h.Malloc(size)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)%8)
		require.True(t, h.Verify())
	}
}

func TestMallocAllocatesFromTheRight(t *testing.T) {
	h := createTestHeap(t)

	p1 := h.Malloc(8)
	p2 := h.Malloc(8)
	require.NotNil(t, p1)
	require.NotNil(t, p2)

	// Blocks are split off the right edge of the interior free block, so
	// the second allocation sits one 32-byte block below the first.
	require.Equal(t, uintptr(32), uintptr(p1)-uintptr(p2))
}

func TestFreeThenMallocReusesAddress(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(16)
	require.NotNil(t, p)

	h.Free(p)
	require.True(t, h.Verify())

	q := h.Malloc(16)
	require.Equal(t, p, q)
}

func TestFreeCoalescesInAnyOrder(t *testing.T) {
	h := createTestHeap(t)

	a := h.Malloc(32)
	b := h.Malloc(32)
	c := h.Malloc(32)

	h.Free(b)
	require.True(t, h.Verify())
	h.Free(a)
	require.True(t, h.Verify())
	h.Free(c)
	require.True(t, h.Verify())

	stats := h.Stats()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.FreeRangeCount)
	require.Equal(t, uint64(testInteriorSize), stats.FreeRangeSizeMax)
}

func TestFreeNilIsNoOp(t *testing.T) {
	h := createTestHeap(t)

	h.Free(nil)
	require.True(t, h.Verify())
}

func TestFreeReturnsBlockToItsClass(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(24)
	q := h.Malloc(8)
	require.NotNil(t, q)

	h.Free(p)
	require.True(t, h.Verify())

	// The freed block sits between q and the right fencepost, so it stays
	// a standalone free block in the class for 24-byte payloads. The next
	// request for that payload must find it.
	reuse := h.Malloc(24)
	require.Equal(t, p, reuse)
}

func TestMallocGrowsHeapWhenExhausted(t *testing.T) {
	h := createTestHeap(t)

	big := h.Malloc(4000)
	require.NotNil(t, big)

	// The remaining interior is far too small for this request, so the
	// heap must grow. The buffer source hands out adjacent spans, so the
	// new chunk is stitched to the old one rather than registered.
	small := h.Malloc(64)
	require.NotNil(t, small)
	require.True(t, h.Verify())

	stats := h.Stats()
	require.Equal(t, 1, stats.ChunkCount)
	require.Equal(t, uint64(2*testArenaSize), stats.ChunkBytes)
	require.Equal(t, 2, stats.AllocationCount)

	h.Free(big)
	h.Free(small)
	require.True(t, h.Verify())

	// Stitching dissolved the fenceposts at the junction, so the two
	// physical arenas coalesce into one span.
	stats = h.Stats()
	require.Equal(t, 1, stats.FreeRangeCount)
	require.Equal(t, uint64(2*testArenaSize-32), stats.FreeRangeSizeMax)
}

func TestMallocOversizedRequestGrowsUntilFit(t *testing.T) {
	h := createTestHeap(t)

	// Larger than any single arena's interior: the heap must grow and
	// stitch repeatedly until the combined span fits the request.
	p := h.Malloc(3 * testArenaSize)
	require.NotNil(t, p)
	require.True(t, h.Verify())

	data := unsafe.Slice((*byte)(p), 3*testArenaSize)
	for i := range data {
		data[i] = 0xa5
	}
	require.True(t, h.Verify())
}

func TestMallocReturnsNilWhenSourceExhausted(t *testing.T) {
	h, err := heap.New(heap.CreateOptions{
		Source: heap.NewBufferSource(testArenaSize),
		Logger: slog.New(slog.NewTextHandler(io.Discard)),
	})
	require.NoError(t, err)

	require.Nil(t, h.Malloc(testArenaSize))
	require.True(t, h.Verify())

	// The heap that survives a failed growth still services requests that
	// fit the existing interior.
	require.NotNil(t, h.Malloc(64))
	require.True(t, h.Verify())
}

func TestMallocFreeSequenceKeepsInvariants(t *testing.T) {
	h := createTestHeap(t)

	var live []unsafe.Pointer
	for size := uint64(1); size <= 1024; size = size*2 + 3 {
		for i := 0; i < 4; i++ {
			ptr := h.Malloc(size)
			require.NotNil(t, ptr)
			require.True(t, h.Verify())
			live = append(live, ptr)
		}

		// Free the second-newest allocation of each batch of four to shake
		// out partial coalescing.
		h.Free(live[len(live)-2])
		require.True(t, h.Verify())
		live = append(live[:len(live)-2], live[len(live)-1])
	}

	for _, ptr := range live {
		h.Free(ptr)
		require.True(t, h.Verify())
	}

	stats := h.Stats()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.FreeRangeCount)
}

func TestCallocZeroesMemory(t *testing.T) {
	h := createTestHeap(t)

	// Dirty a block, free it, then calloc over the same bytes.
	p := h.Malloc(64)
	data := unsafe.Slice((*byte)(p), 64)
	for i := range data {
		data[i] = 0xff
	}
	h.Free(p)

	q := h.Calloc(8, 8)
	require.Equal(t, p, q)

	data = unsafe.Slice((*byte)(q), 64)
	for i := range data {
		require.Zero(t, data[i])
	}
}

func TestCallocZeroCount(t *testing.T) {
	h := createTestHeap(t)

	require.Nil(t, h.Calloc(0, 8))
	require.True(t, h.Verify())
}

func TestReallocCopiesContents(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(32)
	data := unsafe.Slice((*byte)(p), 32)
	for i := range data {
		data[i] = byte(i)
	}

	q := h.Realloc(p, 64)
	require.NotNil(t, q)
	require.True(t, h.Verify())

	moved := unsafe.Slice((*byte)(q), 32)
	for i := range moved {
		require.Equal(t, byte(i), moved[i])
	}
}

func TestReallocShrinkCopiesOnlyNewSize(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(128)
	data := unsafe.Slice((*byte)(p), 128)
	for i := range data {
		data[i] = byte(i)
	}

	q := h.Realloc(p, 16)
	require.NotNil(t, q)
	require.True(t, h.Verify())

	moved := unsafe.Slice((*byte)(q), 16)
	for i := range moved {
		require.Equal(t, byte(i), moved[i])
	}
}

func TestReallocNilBehavesLikeMalloc(t *testing.T) {
	h := createTestHeap(t)

	p := h.Realloc(nil, 48)
	require.NotNil(t, p)
	require.True(t, h.Verify())
}

func TestReallocZeroSizeFrees(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(48)
	require.Nil(t, h.Realloc(p, 0))
	require.True(t, h.Verify())

	stats := h.Stats()
	require.Equal(t, 0, stats.AllocationCount)
}

func TestOwns(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(64)
	require.True(t, h.Owns(p))

	var local uint64
	require.False(t, h.Owns(unsafe.Pointer(&local)))
}

func TestWriteStatsJSON(t *testing.T) {
	h := createTestHeap(t)

	p := h.Malloc(100)
	require.NotNil(t, p)

	writer := jwriter.NewWriter()
	h.WriteStatsJSON(&writer)
	require.NoError(t, writer.Error())

	var parsed struct {
		TotalBytes      int
		AllocationBytes int
		Allocations     int
		FreeRanges      int
		Chunks          map[string]struct {
			Offset int
			Blocks []struct {
				Offset int
				Size   int
				State  string
			}
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))

	require.Equal(t, testArenaSize, parsed.TotalBytes)
	require.Equal(t, 1, parsed.Allocations)
	require.Equal(t, 120, parsed.AllocationBytes)
	require.Len(t, parsed.Chunks, 1)
	require.Len(t, parsed.Chunks["0"].Blocks, 2)
	require.Equal(t, "Unallocated", parsed.Chunks["0"].Blocks[0].State)
	require.Equal(t, "Allocated", parsed.Chunks["0"].Blocks[1].State)
}

func TestLogUnreleasedAllocations(t *testing.T) {
	h, err := heap.New(heap.CreateOptions{
		Source:           heap.NewBufferSource(testArenaSize * 4),
		Logger:           slog.New(slog.NewTextHandler(io.Discard)),
		TrackAllocations: true,
	})
	require.NoError(t, err)

	p := h.Malloc(32)
	q := h.Malloc(64)
	require.Equal(t, 2, h.LogUnreleasedAllocations())

	h.Free(p)
	require.Equal(t, 1, h.LogUnreleasedAllocations())

	h.Free(q)
	require.Equal(t, 0, h.LogUnreleasedAllocations())
}

func TestDefaultHeap(t *testing.T) {
	p := heap.Malloc(64)
	require.NotNil(t, p)
	require.True(t, heap.Verify())

	q := heap.Calloc(4, 16)
	require.NotNil(t, q)

	q = heap.Realloc(q, 128)
	require.NotNil(t, q)

	heap.Free(p)
	heap.Free(q)
	require.NoError(t, heap.Validate())
}
