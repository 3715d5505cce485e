package hgsm

import "math"

// Statistics describes the occupancy of a command heap at a point in time.
type Statistics struct {
	HeapBytes       int
	AllocationCount int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.HeapBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapBytes += other.HeapBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics additionally tracks free-range fragmentation and the size
// extremes of live allocations. Collecting it requires a full walk of the heap's
// block chain, so it is more expensive than Statistics.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
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
