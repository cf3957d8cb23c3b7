package heap

import (
	"golang.org/x/exp/slog"
)

// LogUnreleasedAllocations logs one record per live allocation and returns
// how many were found. It requires CreateOptions.TrackAllocations; without
// tracking it logs nothing and returns 0.
//
// Intended for leak sweeps at points where the consumer expects the heap to
// be empty, in the spirit of checking for unfreed memory at shutdown.
func (h *Heap) LogUnreleasedAllocations() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.liveAllocations == nil {
		return 0
	}

	count := 0
	h.liveAllocations.Iter(func(addr uintptr, size uint64) bool {
		h.logError("[UNRELEASED MEMORY] unfreed allocation",
			slog.Uint64("offset", uint64(addr-h.base)),
			slog.Uint64("size", size))

		count++
		return false
	})

	return count
}
