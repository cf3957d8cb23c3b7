package heap

import (
	"context"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/hoard/memutils"
)

const (
	// DefaultArenaSize is the number of bytes obtained from the chunk
	// source each time the heap grows.
	DefaultArenaSize = 4096
	// DefaultNumLists is the number of free-list size classes. The final
	// class is a catch-all for every payload too large for an exact class.
	DefaultNumLists = 59
	// DefaultMaxChunks bounds the number of chunks tracked for validation
	// and statistics.
	DefaultMaxChunks = 1024
)

// InvalidArenaSizeError is returned from New when the requested arena size cannot hold
// two fenceposts and one minimum-size free block
var InvalidArenaSizeError error = errors.New("arena size must hold two fenceposts and a minimum-size block")

// InvalidNumListsError is returned from New when the requested number of size classes is
// smaller than one
var InvalidNumListsError error = errors.New("the free list index requires at least one size class")

// InvalidMaxChunksError is returned from New when the requested chunk registry bound is
// smaller than one
var InvalidMaxChunksError error = errors.New("the chunk registry requires room for at least one chunk")

// CreateOptions contains optional settings when creating a Heap
type CreateOptions struct {
	// ArenaSize is the number of bytes requested from the ChunkSource on
	// each growth. It must be a multiple of 8 and large enough to hold two
	// fenceposts plus one minimum-size free block. Defaults to
	// DefaultArenaSize when 0.
	ArenaSize uint64
	// NumLists is the number of free-list size classes. Defaults to
	// DefaultNumLists when 0.
	NumLists int
	// MaxChunks bounds the chunk registry. Chunks acquired beyond the bound
	// still service allocations but are invisible to Validate and Stats.
	// Defaults to DefaultMaxChunks when 0.
	MaxChunks int

	// Source is the OS growth primitive backing this heap. When nil, a
	// platform-default source is reserved with room for MaxChunks arenas.
	Source ChunkSource

	// Logger receives diagnostics (double frees, validation failures,
	// unreleased allocations). slog.Default() is used when nil.
	Logger *slog.Logger

	// TrackAllocations enables the live-allocation map consumed by
	// LogUnreleasedAllocations. Malloc and Free pay a map operation each
	// when enabled.
	TrackAllocations bool
}

// Heap is a boundary-tagged segregated-fit allocator. All state is guarded
// by a single mutex. Malloc, Free and the other state-reading entry points
// take it for their full operation; Calloc and Realloc take it once per
// underlying Malloc and Free call rather than for their whole operation.
type Heap struct {
	mutex  sync.Mutex
	logger *slog.Logger

	arenaSize uint64
	numLists  int
	maxChunks int

	source ChunkSource

	// freeLists holds one sentinel per size class. Sentinel size words are
	// never read; only their links are live.
	freeLists []header
	chunks    []*header
	lastFence *header

	// base is the address of the very first fencepost. Diagnostics report
	// block positions as offsets from it.
	base     uintptr
	lowAddr  uintptr
	highAddr uintptr

	liveAllocations *swiss.Map[uintptr, uint64]
}

// New creates a new Heap and acquires its first chunk.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(options CreateOptions) (*Heap, error) {
	arenaSize := options.ArenaSize
	if arenaSize == 0 {
		arenaSize = DefaultArenaSize
	}
	numLists := options.NumLists
	if numLists == 0 {
		numLists = DefaultNumLists
	}
	maxChunks := options.MaxChunks
	if maxChunks == 0 {
		maxChunks = DefaultMaxChunks
	}

	if err := memutils.CheckAligned(arenaSize, "arena size"); err != nil {
		return nil, err
	}
	if arenaSize < 2*allocHeaderSize+unallocHeaderSize {
		return nil, errors.Wrapf(InvalidArenaSizeError, "arena size is %d", arenaSize)
	}
	if numLists < 1 {
		return nil, errors.Wrapf(InvalidNumListsError, "num lists is %d", numLists)
	}
	if maxChunks < 1 {
		return nil, errors.Wrapf(InvalidMaxChunksError, "max chunks is %d", maxChunks)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	source := options.Source
	if source == nil {
		var err error
		source, err = defaultChunkSource(arenaSize * uint64(maxChunks))
		if err != nil {
			return nil, err
		}
	}

	h := &Heap{
		logger:    logger,
		arenaSize: arenaSize,
		numLists:  numLists,
		maxChunks: maxChunks,
		source:    source,
		freeLists: make([]header, numLists),
		chunks:    make([]*header, 0, maxChunks),
	}

	for i := 0; i < numLists; i++ {
		sentinel := &h.freeLists[i]
		sentinel.next = sentinel
		sentinel.prev = sentinel
	}

	block, err := h.allocChunk(arenaSize)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring the heap's first chunk")
	}

	leftFence := block.leftNeighbor()
	h.registerChunk(leftFence)
	h.lastFence = block.rightNeighbor()
	h.base = uintptr(unsafe.Pointer(leftFence))
	h.insertFreeBlock(block)

	if options.TrackAllocations {
		h.liveAllocations = swiss.NewMap[uintptr, uint64](42)
	}

	return h, nil
}

// Malloc returns a pointer to at least size bytes of 8-byte-aligned
// writable memory. A zero size returns nil, as does a chunk source that can
// no longer grow.
func (h *Heap) Malloc(size uint64) unsafe.Pointer {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.allocObject(size)
}

// Free releases a pointer previously returned by Malloc, Calloc or
// Realloc. Freeing nil is a no-op. Freeing a pointer twice writes a
// diagnostic and terminates the process with status 1.
func (h *Heap) Free(ptr unsafe.Pointer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.deallocObject(ptr)
}

// Calloc allocates count*size bytes and zero-fills them.
func (h *Heap) Calloc(count, size uint64) unsafe.Pointer {
	totalSize := count * size
	ptr := h.Malloc(totalSize)
	if ptr == nil {
		return nil
	}

	data := unsafe.Slice((*byte)(ptr), totalSize)
	for i := range data {
		data[i] = 0
	}
	return ptr
}

// Realloc allocates a fresh block of size bytes, copies
// min(oldCapacity, size) bytes from ptr, frees ptr and returns the new
// block. A nil ptr behaves like Malloc. A zero size frees ptr and returns
// nil.
func (h *Heap) Realloc(ptr unsafe.Pointer, size uint64) unsafe.Pointer {
	if ptr == nil {
		return h.Malloc(size)
	}
	if size == 0 {
		h.Free(ptr)
		return nil
	}

	newPtr := h.Malloc(size)
	if newPtr == nil {
		return nil
	}

	// The original request size was rounded away at allocation time, so
	// the block's capacity is the best available bound on the old data.
	copySize := headerOf(ptr).size() - allocHeaderSize
	if size < copySize {
		copySize = size
	}

	copy(unsafe.Slice((*byte)(newPtr), copySize), unsafe.Slice((*byte)(ptr), copySize))
	h.Free(ptr)

	return newPtr
}

// Owns reports whether ptr lies inside memory this heap has obtained from
// its chunk source.
func (h *Heap) Owns(ptr unsafe.Pointer) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	addr := uintptr(ptr)
	return addr >= h.lowAddr && addr < h.highAddr
}

var (
	defaultHeapOnce sync.Once
	defaultHeap     *Heap
)

// Default returns the process-wide heap, creating it with default options
// on first use.
func Default() *Heap {
	defaultHeapOnce.Do(func() {
		var err error
		defaultHeap, err = New(CreateOptions{})
		if err != nil {
			panic(err)
		}
	})

	return defaultHeap
}

// Malloc allocates from the process-wide default heap.
func Malloc(size uint64) unsafe.Pointer {
	return Default().Malloc(size)
}

// Free releases a pointer allocated from the process-wide default heap.
func Free(ptr unsafe.Pointer) {
	Default().Free(ptr)
}

// Calloc allocates zeroed memory from the process-wide default heap.
func Calloc(count, size uint64) unsafe.Pointer {
	return Default().Calloc(count, size)
}

// Realloc reallocates a pointer from the process-wide default heap.
func Realloc(ptr unsafe.Pointer, size uint64) unsafe.Pointer {
	return Default().Realloc(ptr, size)
}

// Verify reports whether the process-wide default heap's structural
// invariants hold.
func Verify() bool {
	return Default().Verify()
}

// Validate returns the first structural defect found in the process-wide
// default heap, if any.
func Validate() error {
	return Default().Validate()
}

// heapInvariants adapts the unlocked validation walk to
// memutils.Validatable so mutation paths can run it under
// the debug_heap_utils build tag without re-entering the heap's mutex.
type heapInvariants struct {
	heap *Heap
}

func (v heapInvariants) Validate() error {
	return v.heap.validate()
}

func (h *Heap) logError(msg string, attrs ...slog.Attr) {
	h.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}
