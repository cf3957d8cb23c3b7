package memutils

import "math"

type Statistics struct {
	ChunkCount      int
	AllocationCount int
	ChunkBytes      uint64
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	s.ChunkCount = 0
	s.AllocationCount = 0
	s.ChunkBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ChunkCount += other.ChunkCount
	s.AllocationCount += other.AllocationCount
	s.ChunkBytes += other.ChunkBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	AllocationSizeMin uint64
	AllocationSizeMax uint64
	FreeRangeSizeMin  uint64
	FreeRangeSizeMax  uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.AllocationSizeMin = math.MaxUint64
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxUint64
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size uint64) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size uint64) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
