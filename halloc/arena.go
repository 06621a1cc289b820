package halloc

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/halloc/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/dll"
	"github.com/vkngwrapper/hostmem/memutils/metadata"
	"github.com/vkngwrapper/hostmem/vmem"
	"golang.org/x/exp/slog"
)

// Arena is a per-type segregated allocator over OS mappings. Every distinct type name gets its own chain
// of mapped pages and its own priority queue of free blocks, largest first. Allocations are carved from
// the largest free block of their type, and released blocks are coalesced with free neighbours; a page
// whose blocks are all free is returned to the OS.
//
// An Arena is safe for concurrent use unless it was created with ArenaCreateExternallySynchronized.
type Arena struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex
	mapper vmem.Mapper

	pageSize     int
	maxPageUnits int
	maxPayload   int

	containers     *registryContainer
	containerCount int

	pages       *dll.Store[page]
	queue       *dll.Store[freeBlock]
	allocations *swiss.Map[uintptr, Block]
	nextPageID  uint64

	// nextGeneration stamps every allocation so that a Block outliving its allocation is rejected
	nextGeneration uint64
	destroyed      bool
}

// page is one mapping dedicated to a single type
type page struct {
	id     uint64
	region *vmem.Region
	meta   *metadata.PageMetadata
	owner  typeDescriptor
}

// freeBlock is the host value of a free-queue node
type freeBlock struct {
	page   dll.Handle
	offset int
}

// Block is a live allocation. The zero Block is the "null" allocation: freeing it is a no-op.
type Block struct {
	data       []byte
	page       dll.Handle
	pageID     uint64
	offset     int
	generation uint64
}

// Bytes is the zero-filled payload of the allocation. It must not be used after the block is freed.
func (b Block) Bytes() []byte {
	return b.data
}

func (b Block) Len() int {
	return len(b.data)
}

func (b Block) IsNil() bool {
	return b.page == dll.Nil
}

func payloadAddr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(data)))
}

// New creates an arena. The mapper's page size is read once; a page size below MinSystemPageSize, or one
// that is not a power of two, leaves the arena unable to lay out its registry and pages, so New panics with
// an error marked ErrDegeneratePlatform.
func New(logger *slog.Logger, options CreateOptions) (*Arena, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mapper := options.Mapper
	if mapper == nil {
		mapper = vmem.SystemMapper{}
	}

	pageSize := mapper.PageSize()
	if pageSize < MinSystemPageSize || memutils.CheckPow2(pageSize, "page size") != nil {
		err := errors.Mark(
			errors.Newf("system page size is %d bytes, at least %d bytes are required", pageSize, MinSystemPageSize),
			ErrDegeneratePlatform,
		)
		logger.LogAttrs(context.Background(), slog.LevelError, "Arena::New FAILED", slog.Int("PageSize", pageSize), slog.Any("Error", err))
		panic(err)
	}

	maxMappingBytes := options.MaxMappingBytes
	if maxMappingBytes == 0 {
		maxMappingBytes = DefaultMaxMappingBytes
	}
	maxMappingBytes = memutils.AlignDown(maxMappingBytes, uint(pageSize))
	if maxMappingBytes < pageSize {
		return nil, errors.Mark(
			errors.Newf("max mapping size of %d bytes is smaller than one page of %d bytes", options.MaxMappingBytes, pageSize),
			ErrInvalidArgument,
		)
	}

	maxPageUnits := maxMappingBytes / pageSize
	arena := &Arena{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&ArenaCreateExternallySynchronized == 0,
		},
		mapper: mapper,

		pageSize:     pageSize,
		maxPageUnits: maxPageUnits,
		maxPayload:   maxPageUnits*pageSize - metadata.HeaderSize,

		pages:       dll.NewStore[page](16),
		queue:       dll.NewStore[freeBlock](64),
		allocations: swiss.NewMap[uintptr, Block](42),
	}

	logger.Debug("Arena::New",
		slog.Int("PageSize", pageSize),
		slog.Int("MaxPageUnits", maxPageUnits),
		slog.String("Flags", options.Flags.String()),
	)
	return arena, nil
}

// PageSize is the OS page size the arena maps memory in
func (a *Arena) PageSize() int {
	return a.pageSize
}

// MaxPageUnits is the largest number of OS pages a single mapping may span
func (a *Arena) MaxPageUnits() int {
	return a.maxPageUnits
}

// MaxAllocationSize is the usable payload of the largest mapping: the largest elementSize*units an
// allocation may request
func (a *Arena) MaxAllocationSize() int {
	return a.maxPayload
}

// Destroy unmaps every page and registry container. Blocks that were never freed are logged and released
// with their pages; their Bytes must not be used afterward. The arena cannot be used after Destroy.
func (a *Arena) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}
	a.logger.Debug("Arena::Destroy")

	var combined error
	a.eachType(func(d typeDescriptor) bool {
		chain := a.pages.List(d.firstPage())
		chain.Each(func(h dll.Handle, p *page) bool {
			p.meta.DebugLogAllAllocations(a.logger, func(log *slog.Logger, offset int, size int) {
				log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.String("Type", d.Name()),
					slog.Uint64("Page", p.id),
					slog.Int("Offset", offset),
					slog.Int("Size", size),
				)
			})

			combined = errors.CombineErrors(combined, p.region.Unmap())
			return true
		})
		return true
	})

	for c := a.containers; c != nil; c = c.next {
		combined = errors.CombineErrors(combined, c.region.Unmap())
	}

	a.containers = nil
	a.pages = dll.NewStore[page](0)
	a.queue = dll.NewStore[freeBlock](0)
	a.allocations = swiss.NewMap[uintptr, Block](1)
	a.destroyed = true

	if combined != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "Arena::Destroy failed to unmap memory", slog.Any("Error", combined))
	}
	return combined
}

func (a *Arena) destroyedError() error {
	return errors.Mark(errors.New("the arena has been destroyed"), ErrArenaDestroyed)
}

func (a *Arena) logFailure(msg string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.Any("Error", err))
	a.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

type arenaValidator struct {
	arena *Arena
}

func (v arenaValidator) Validate() error {
	return v.arena.validate()
}
