package memutils

import "math"

// Statistics is a cheap summary of one or more pages: how many were mapped, how many bytes they span,
// and how much of that is handed out to live allocations
type Statistics struct {
	PageCount       int
	PageBytes       int
	AllocationCount int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.PageBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.PageBytes += other.PageBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// UsedBytes is the number of bytes consumed by live allocations, counting one header per allocation
func (s *Statistics) UsedBytes(headerSize int) int {
	return s.AllocationBytes + s.AllocationCount*headerSize
}

// DetailedStatistics extends Statistics with free block counts and size extremes. Clear must be called
// before the first Add call so that the minimums start out at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	FreeBlockCount         int
	FreeBytes              int
	AllocationSizeMin      int
	AllocationSizeMax      int
	FreeBlockSizeMin       int
	FreeBlockSizeMax       int
	HardFragmentationBytes int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeBlockCount = 0
	s.FreeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeBlockSizeMin = math.MaxInt
	s.FreeBlockSizeMax = 0
	s.HardFragmentationBytes = 0
}

func (s *DetailedStatistics) AddFreeBlock(size int) {
	s.FreeBlockCount++
	s.FreeBytes += size

	if size < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = size
	}

	if size > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = size
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
	s.FreeBlockCount += other.FreeBlockCount
	s.FreeBytes += other.FreeBytes
	s.HardFragmentationBytes += other.HardFragmentationBytes

	if other.FreeBlockSizeMin < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = other.FreeBlockSizeMin
	}

	if other.FreeBlockSizeMax > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = other.FreeBlockSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
