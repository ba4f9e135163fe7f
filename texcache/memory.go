package texcache

import (
	"fmt"
)

// MemoryStats reports texture memory accounting.
type MemoryStats struct {
	// BudgetBytes is the configured budget. 0 means unlimited.
	BudgetBytes uint64

	// UsedBytes counts long-lived and transient textures.
	UsedBytes uint64

	// TransientBytes is the part of UsedBytes held by transient textures.
	TransientBytes uint64

	// AvailableBytes is the remaining budget, 0 when unlimited.
	AvailableBytes uint64

	// Slabs is the number of SlabSize slabs the long-lived bytes occupy.
	Slabs int

	// TextureCount is the number of accounted textures.
	TextureCount int

	// EvictionCount is the total number of entries removed by decimation.
	EvictionCount uint64

	// Utilization is UsedBytes over the budget, 0 when unlimited.
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d slabs, %d textures, %d evictions]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.Slabs,
		s.TextureCount,
		s.EvictionCount)
}

// accounting tracks the bytes of uploaded textures against a budget.
// Long-lived bytes are grouped into fixed-size slabs, the measure of
// allocator pressure; transient bytes are counted apart. The caller holds
// the cache mutex.
type accounting struct {
	budget    uint64
	slabSize  uint64
	longLived uint64
	transient uint64
	textures  int
	evictions uint64
}

func newAccounting(budget, slabSize uint64) accounting {
	return accounting{budget: budget, slabSize: slabSize}
}

func (a *accounting) used() uint64 { return a.longLived + a.transient }

// fits reports whether n more bytes stay within the budget.
func (a *accounting) fits(n uint64) bool {
	return a.budget == 0 || a.used()+n <= a.budget
}

// reserve accounts n bytes, failing with ErrBudget when they do not fit.
func (a *accounting) reserve(n uint64, transient bool) error {
	if !a.fits(n) {
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrBudget, n, a.budget-min(a.used(), a.budget))
	}
	if transient {
		a.transient += n
	} else {
		a.longLived += n
	}
	a.textures++
	return nil
}

func (a *accounting) release(n uint64, transient bool) {
	if transient {
		a.transient -= min(n, a.transient)
	} else {
		a.longLived -= min(n, a.longLived)
	}
	if a.textures > 0 {
		a.textures--
	}
}

// slabs returns the number of slabs the long-lived bytes need.
func (a *accounting) slabs() int {
	if a.slabSize == 0 {
		return 0
	}
	return int((a.longLived + a.slabSize - 1) / a.slabSize)
}

func (a *accounting) reset() {
	a.longLived, a.transient, a.textures = 0, 0, 0
}

func (a *accounting) stats() MemoryStats {
	s := MemoryStats{
		BudgetBytes:    a.budget,
		UsedBytes:      a.used(),
		TransientBytes: a.transient,
		Slabs:          a.slabs(),
		TextureCount:   a.textures,
		EvictionCount:  a.evictions,
	}
	if a.budget > 0 {
		s.AvailableBytes = a.budget - min(s.UsedBytes, a.budget)
		s.Utilization = float64(s.UsedBytes) / float64(a.budget)
	}
	return s
}
