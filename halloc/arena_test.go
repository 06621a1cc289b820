package halloc_test

import (
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/halloc"
	"github.com/vkngwrapper/hostmem/vmem"
	"github.com/vkngwrapper/hostmem/vmem/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const testPageSize = 4096

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newArena(t *testing.T) *halloc.Arena {
	arena, err := halloc.New(testLogger(), halloc.CreateOptions{
		Mapper: vmem.HeapMapper{PageSizeOverride: testPageSize},
	})
	require.NoError(t, err)
	return arena
}

func heapBacked(mapper *mocks.MockMapper) {
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()
	mapper.EXPECT().Mmap(gomock.Any()).DoAndReturn(func(length int) ([]byte, error) {
		return make([]byte, length), nil
	}).AnyTimes()
	mapper.EXPECT().Munmap(gomock.Any()).Return(nil).AnyTimes()
}

func requireLivePages(t *testing.T, arena *halloc.Arena, name string, expected int) []halloc.PageReport {
	reports, err := arena.PageReports(name)
	require.NoError(t, err)
	require.Len(t, reports, expected)
	return reports
}

func addressOf(data []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(data)))
}

func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestNewDegeneratePlatformPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	for _, pageSize := range []int{512, 2048, 6000} {
		mapper := mocks.NewMockMapper(ctrl)
		mapper.EXPECT().PageSize().Return(pageSize)

		err := recoverError(func() {
			_, _ = halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
		})
		require.Error(t, err, "page size %d", pageSize)
		require.True(t, errors.Is(err, halloc.ErrDegeneratePlatform))
	}
}

func TestNewRejectsTinyMaxMapping(t *testing.T) {
	_, err := halloc.New(testLogger(), halloc.CreateOptions{
		Mapper:          vmem.HeapMapper{PageSizeOverride: testPageSize},
		MaxMappingBytes: testPageSize - 1,
	})
	require.True(t, errors.Is(err, halloc.ErrInvalidArgument))
}

func TestNewLimits(t *testing.T) {
	arena := newArena(t)

	require.Equal(t, testPageSize, arena.PageSize())
	require.Equal(t, 262145, arena.MaxPageUnits())
	require.Equal(t, 262145*testPageSize-halloc.HeaderSize, arena.MaxAllocationSize())

	small, err := halloc.New(testLogger(), halloc.CreateOptions{
		Mapper:          vmem.HeapMapper{PageSizeOverride: testPageSize},
		MaxMappingBytes: 10*testPageSize + 100,
	})
	require.NoError(t, err)
	require.Equal(t, 10, small.MaxPageUnits())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", halloc.CreateFlags(0).String())
	require.Equal(t, "ArenaCreateExternallySynchronized", halloc.ArenaCreateExternallySynchronized.String())
	require.Equal(t, "ArenaCreateExternallySynchronized|Unknown", (halloc.ArenaCreateExternallySynchronized | 8).String())
}

func TestSingleSmallAllocation(t *testing.T) {
	arena := newArena(t)

	block, err := arena.Alloc("T", 48, 1)
	require.NoError(t, err)
	require.False(t, block.IsNil())
	require.Equal(t, 48, block.Len())

	reports := requireLivePages(t, arena, "T", 1)
	require.Equal(t, 1, reports[0].OSPages)
	require.Equal(t, 1, reports[0].AllocatedBlocks)
	require.Equal(t, 1, reports[0].FreeBlocks)
	require.Equal(t, 0, reports[0].LargestAllocatedOffset)
	require.Equal(t, 48, reports[0].LargestAllocatedSize)
	require.Equal(t, 2*halloc.HeaderSize, reports[0].LargestFreeOffset)
	require.Equal(t, testPageSize-48-2*halloc.HeaderSize, reports[0].LargestFreeSize)
	require.NoError(t, arena.Validate())

	require.NoError(t, arena.Free(block))
	requireLivePages(t, arena, "T", 0)
	require.NoError(t, arena.Validate())
}

type product struct {
	Name   [256]byte
	Year   int32
	Weight float64
	Volume float64
}

func TestAllocationSizes(t *testing.T) {
	for _, units := range []int{1, 1000, 250000} {
		arena := newArena(t)
		size := 280 * units

		block, err := arena.Alloc("product", 280, units)
		require.NoError(t, err)
		require.Equal(t, size, block.Len())

		reports := requireLivePages(t, arena, "product", 1)
		require.Equal(t, size/testPageSize+1, reports[0].OSPages, "units %d", units)
		require.Equal(t, size, reports[0].LargestAllocatedSize)
		require.NoError(t, arena.Validate())

		require.NoError(t, arena.Free(block))
		requireLivePages(t, arena, "product", 0)
	}
}

func TestPageGrowsWhenHeaderDoesNotFit(t *testing.T) {
	arena := newArena(t)

	// the quotient rule alone would map a single page, which cannot hold the header as well
	block, err := arena.Alloc("tight", 1, testPageSize-10)
	require.NoError(t, err)

	reports := requireLivePages(t, arena, "tight", 1)
	require.Equal(t, 2, reports[0].OSPages)
	require.NoError(t, arena.Free(block))
}

func TestConsecutiveAllocations(t *testing.T) {
	arena := newArena(t)

	first, err := arena.Alloc("product", 280, 1)
	require.NoError(t, err)
	second, err := arena.Alloc("product", 280, 2)
	require.NoError(t, err)

	// both live in the same page, the second directly after the first
	reports := requireLivePages(t, arena, "product", 1)
	require.Equal(t, 2, reports[0].AllocatedBlocks)
	firstEnd := reports[0].Address + uintptr(halloc.HeaderSize+280)
	block, ok := arena.BlockFor(second.Bytes())
	require.True(t, ok)
	require.Equal(t, second, block)
	require.Equal(t, firstEnd+uintptr(halloc.HeaderSize), addressOf(second.Bytes()))

	require.NoError(t, arena.Free(first))
	requireLivePages(t, arena, "product", 1)

	// too large for the remainder: a new page becomes the head of the chain
	third, err := arena.Alloc("product", 280, 100)
	require.NoError(t, err)
	reports = requireLivePages(t, arena, "product", 2)
	require.Equal(t, 28000/testPageSize+1, reports[0].OSPages)
	require.Equal(t, 1, reports[1].OSPages)
	require.NoError(t, arena.Validate())

	require.NoError(t, arena.Free(second))
	require.NoError(t, arena.Free(third))
	requireLivePages(t, arena, "product", 0)
	require.NoError(t, arena.Validate())
}

func TestAllocationsAreZeroFilled(t *testing.T) {
	arena := newArena(t)

	anchor, err := arena.Alloc("buf", 1, 64)
	require.NoError(t, err)

	dirty, err := arena.Alloc("buf", 1, 512)
	require.NoError(t, err)
	for i := range dirty.Bytes() {
		dirty.Bytes()[i] = 0xFF
	}
	require.NoError(t, arena.Free(dirty))

	clean, err := arena.Alloc("buf", 1, 512)
	require.NoError(t, err)
	require.Equal(t, addressOf(dirty.Bytes()), addressOf(clean.Bytes()))
	for _, b := range clean.Bytes() {
		require.Equal(t, byte(0), b)
	}

	require.NoError(t, arena.Free(clean))
	require.NoError(t, arena.Free(anchor))
}

func TestAdjacentFreeBlocksMerge(t *testing.T) {
	for _, order := range [][]int{{0, 1}, {1, 0}} {
		arena := newArena(t)

		blocks := make([]halloc.Block, 3)
		for i := range blocks {
			var err error
			blocks[i], err = arena.Alloc("merge", 100, 1)
			require.NoError(t, err)
		}

		for _, idx := range order {
			require.NoError(t, arena.Free(blocks[idx]))
			require.NoError(t, arena.Validate())
		}

		stats, err := arena.TypeStatistics("merge")
		require.NoError(t, err)
		require.Equal(t, 1, stats.AllocationCount)
		// the two released blocks became one, separate from the tail behind the third block
		require.Equal(t, 2, stats.FreeBlockCount)
		require.Equal(t, 2*100+halloc.HeaderSize, stats.FreeBlockSizeMin)

		require.NoError(t, arena.Free(blocks[2]))
		requireLivePages(t, arena, "merge", 0)
	}
}

func TestLimitExceeded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no mapping may happen for rejected requests
	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	arena, err := halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	_, err = arena.Alloc("huge", arena.MaxAllocationSize()+1, 1)
	require.True(t, errors.Is(err, halloc.ErrLimitExceeded))

	_, err = arena.Alloc("huge", math.MaxInt/2, 4)
	require.True(t, errors.Is(err, halloc.ErrLimitExceeded))

	_, err = arena.Alloc("huge", 2, arena.MaxAllocationSize()/2+1)
	require.True(t, errors.Is(err, halloc.ErrLimitExceeded))

	require.Empty(t, arena.Types())
}

func TestMaximumAllocationFits(t *testing.T) {
	arena, err := halloc.New(testLogger(), halloc.CreateOptions{
		Mapper:          vmem.HeapMapper{PageSizeOverride: testPageSize},
		MaxMappingBytes: 16 * testPageSize,
	})
	require.NoError(t, err)

	block, err := arena.Alloc("max", 1, arena.MaxAllocationSize())
	require.NoError(t, err)

	reports := requireLivePages(t, arena, "max", 1)
	require.Equal(t, 16, reports[0].OSPages)
	require.Equal(t, 0, reports[0].FreeBlocks)
	require.NoError(t, arena.Free(block))
}

func TestInvalidArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	arena, err := halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	testCases := map[string]struct {
		name        string
		elementSize int
		units       int
	}{
		"ZeroUnits":        {"T", 8, 0},
		"NegativeUnits":    {"T", 8, -3},
		"ZeroElementSize":  {"T", 0, 1},
		"NameTooLong":      {string(make([]byte, 64)), 8, 1},
		"NameFarTooLong":   {string(make([]byte, 300)), 8, 1},
		"EmptyName":        {"", 8, 1},
		"NameWithZeroByte": {"a\x00b", 8, 1},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			block, err := arena.Alloc(testCase.name, testCase.elementSize, testCase.units)
			require.True(t, errors.Is(err, halloc.ErrInvalidArgument))
			require.True(t, block.IsNil())
		})
	}

	require.Empty(t, arena.Types())
}

func TestTypeNameLengthBoundary(t *testing.T) {
	arena := newArena(t)

	name := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdefghijk"
	require.Len(t, name, 63)

	block, err := arena.Alloc(name, 8, 1)
	require.NoError(t, err)

	_, err = arena.Alloc(name+"l", 8, 1)
	require.True(t, errors.Is(err, halloc.ErrInvalidArgument))

	types := arena.Types()
	require.Len(t, types, 1)
	require.Equal(t, name, types[0].Name)
	require.NoError(t, arena.Free(block))
}

func TestElementSizeMismatch(t *testing.T) {
	arena := newArena(t)

	block, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)

	_, err = arena.Alloc("T", 16, 1)
	require.True(t, errors.Is(err, halloc.ErrInvalidArgument))
	require.NoError(t, arena.Free(block))
}

func TestNamesArePrefixSafe(t *testing.T) {
	arena := newArena(t)

	short, err := arena.Alloc("node", 8, 1)
	require.NoError(t, err)
	long, err := arena.Alloc("nodes", 16, 1)
	require.NoError(t, err)

	types := arena.Types()
	require.Len(t, types, 2)
	require.Equal(t, "node", types[0].Name)
	require.Equal(t, 8, types[0].ElementSize)
	require.Equal(t, "nodes", types[1].Name)
	require.Equal(t, 16, types[1].ElementSize)

	require.NoError(t, arena.Free(short))
	require.NoError(t, arena.Free(long))
}

func TestFreeNil(t *testing.T) {
	arena := newArena(t)

	require.NoError(t, arena.Free(halloc.Block{}))
	require.NoError(t, arena.FreeBytes(nil))
}

func TestFreeBytes(t *testing.T) {
	arena := newArena(t)

	block, err := arena.Alloc("bytes", 1, 100)
	require.NoError(t, err)

	err = arena.FreeBytes(block.Bytes()[1:])
	require.True(t, errors.Is(err, halloc.ErrInvalidBlock))

	// empty slices free nothing, even when they point at a live payload
	require.NoError(t, arena.FreeBytes([]byte{}))
	require.NoError(t, arena.FreeBytes(block.Bytes()[:0]))
	live, ok := arena.BlockFor(block.Bytes())
	require.True(t, ok)
	require.Equal(t, block, live)
	requireLivePages(t, arena, "bytes", 1)

	require.NoError(t, arena.FreeBytes(block.Bytes()))
	requireLivePages(t, arena, "bytes", 0)

	_, ok = arena.BlockFor(block.Bytes())
	require.False(t, ok)
}

func TestDoubleFree(t *testing.T) {
	arena := newArena(t)

	anchor, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)
	block, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)

	require.NoError(t, arena.Free(block))
	err = arena.Free(block)
	require.True(t, errors.Is(err, halloc.ErrDoubleFree))
	require.NoError(t, arena.Validate())

	require.NoError(t, arena.Free(anchor))

	// the page is gone now
	err = arena.Free(anchor)
	require.True(t, errors.Is(err, halloc.ErrInvalidBlock))
}

func TestStaleBlockAfterSpaceReuse(t *testing.T) {
	arena := newArena(t)

	anchor, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)
	stale, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)
	require.NoError(t, arena.Free(stale))

	fresh, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)
	require.Equal(t, addressOf(stale.Bytes()), addressOf(fresh.Bytes()))

	err = arena.Free(stale)
	require.True(t, errors.Is(err, halloc.ErrInvalidBlock))

	live, ok := arena.BlockFor(fresh.Bytes())
	require.True(t, ok)
	require.Equal(t, fresh, live)
	require.NoError(t, arena.Validate())

	require.NoError(t, arena.Free(fresh))
	require.NoError(t, arena.Free(anchor))
	requireLivePages(t, arena, "T", 0)
}

func TestStaleBlockAfterPageReuse(t *testing.T) {
	arena := newArena(t)

	stale, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)
	require.NoError(t, arena.Free(stale))

	fresh, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)

	err = arena.Free(stale)
	require.True(t, errors.Is(err, halloc.ErrInvalidBlock))
	require.NoError(t, arena.Free(fresh))
}

func TestRegistryContainerOverflow(t *testing.T) {
	arena := newArena(t)

	// (4096 - 8) / 96 descriptors fit in one container
	const capacity = 42
	names := make([]string, capacity+25)
	blocks := make([]halloc.Block, len(names))
	for i := range names {
		names[i] = "type" + string(rune('A'+i/26)) + string(rune('a'+i%26))

		var err error
		blocks[i], err = arena.Alloc(names[i], i+1, 1)
		require.NoError(t, err)
	}

	types := arena.Types()
	require.Len(t, types, len(names))

	// the newest container is scanned first
	for i, info := range types[:25] {
		require.Equal(t, 2, info.Container)
		require.Equal(t, i, info.Slot)
		require.Equal(t, names[capacity+i], info.Name)
	}
	for i, info := range types[25:] {
		require.Equal(t, 1, info.Container)
		require.Equal(t, names[i], info.Name)
		require.Equal(t, i+1, info.ElementSize)
		require.Equal(t, 1, info.PageCount)
	}

	for _, block := range blocks {
		require.NoError(t, arena.Free(block))
	}
	require.NoError(t, arena.Validate())
}

func TestRegistrationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()
	mapper.EXPECT().Mmap(testPageSize).Return(nil, errors.New("cannot allocate memory"))

	arena, err := halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	block, err := arena.Alloc("T", 8, 1)
	require.True(t, errors.Is(err, halloc.ErrRegistrationFailure))
	require.True(t, block.IsNil())
	require.Empty(t, arena.Types())
}

func TestResourceExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()
	mapper.EXPECT().Mmap(testPageSize).Return(make([]byte, testPageSize), nil)
	mapper.EXPECT().Mmap(testPageSize).Return(nil, errors.New("cannot allocate memory"))

	arena, err := halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	block, err := arena.Alloc("T", 8, 1)
	require.True(t, errors.Is(err, halloc.ErrResourceExhaustion))
	require.True(t, block.IsNil())

	// the type stays registered without pages
	types := arena.Types()
	require.Len(t, types, 1)
	require.Equal(t, 0, types[0].PageCount)
	require.NoError(t, arena.Validate())
}

func TestUnmapFailureDoesNotFailFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()
	mapper.EXPECT().Mmap(gomock.Any()).DoAndReturn(func(length int) ([]byte, error) {
		return make([]byte, length), nil
	}).Times(2)
	mapper.EXPECT().Munmap(gomock.Any()).Return(errors.New("invalid argument"))

	arena, err := halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	block, err := arena.Alloc("T", 8, 1)
	require.NoError(t, err)

	require.NoError(t, arena.Free(block))
	requireLivePages(t, arena, "T", 0)
	require.NoError(t, arena.Validate())
}

func TestDestroy(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()
	mapper.EXPECT().Mmap(gomock.Any()).DoAndReturn(func(length int) ([]byte, error) {
		return make([]byte, length), nil
	}).Times(4)
	// one container and three pages
	mapper.EXPECT().Munmap(gomock.Any()).Return(nil).Times(4)

	arena, err := halloc.New(testLogger(), halloc.CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	_, err = arena.Alloc("a", 8, 1)
	require.NoError(t, err)
	_, err = arena.Alloc("b", 8, 1)
	require.NoError(t, err)
	_, err = arena.Alloc("b", 8, 1000)
	require.NoError(t, err)

	require.NoError(t, arena.Destroy())
	require.NoError(t, arena.Destroy())

	_, err = arena.Alloc("a", 8, 1)
	require.True(t, errors.Is(err, halloc.ErrArenaDestroyed))
	require.True(t, errors.Is(arena.Validate(), halloc.ErrArenaDestroyed))
}

func TestRandomizedAllocFree(t *testing.T) {
	arena := newArena(t)
	rng := rand.New(rand.NewSource(1234))

	typeSizes := map[string]int{"small": 8, "medium": 120, "large": 1500}
	typeNames := []string{"small", "medium", "large"}
	var live []halloc.Block

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(5) < 2 {
			idx := rng.Intn(len(live))
			require.NoError(t, arena.Free(live[idx]))
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			name := typeNames[rng.Intn(len(typeNames))]
			block, err := arena.Alloc(name, typeSizes[name], rng.Intn(20)+1)
			require.NoError(t, err)
			live = append(live, block)
		}

		if i%25 == 0 {
			require.NoError(t, arena.Validate())
		}
	}

	require.NoError(t, arena.Validate())
	for _, block := range live {
		require.NoError(t, arena.Free(block))
	}
	require.NoError(t, arena.Validate())

	for _, name := range typeNames {
		requireLivePages(t, arena, name, 0)
	}
	require.Equal(t, 0, arena.CalculateStatistics().Total.PageCount)
}

func TestConcurrentAllocFree(t *testing.T) {
	arena := newArena(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))

			var blocks []halloc.Block
			for i := 0; i < 200; i++ {
				block, err := arena.Alloc("shared", 32, rng.Intn(10)+1)
				if err != nil {
					t.Error(err)
					return
				}
				block.Bytes()[0] = byte(g)
				blocks = append(blocks, block)
			}
			for _, block := range blocks {
				if block.Bytes()[0] != byte(g) {
					t.Errorf("block of goroutine %d was overwritten", g)
				}
				if err := arena.Free(block); err != nil {
					t.Error(err)
				}
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, arena.Validate())
	requireLivePages(t, arena, "shared", 0)
}
