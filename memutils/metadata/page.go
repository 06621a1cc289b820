package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/hostmem/memutils"
	"golang.org/x/exp/slog"
)

// PageMetadata manages the physical chain of blocks inside a single mapped page. Unlike metadata that
// lives in the Go heap, every block header is stored in the managed bytes themselves, directly in front
// of the payload it describes, so the chain can be walked from the memory alone.
//
// Blocks are identified by the byte offset of their header from the start of the page. The chain always
// starts with a header at offset 0, blocks are address-ordered and never overlap, and the bytes between
// the end of one payload and the next header (or the end of the page) are always fewer than HeaderSize.
//
// PageMetadata is not safe for concurrent use.
type PageMetadata struct {
	data []byte
}

// NewPageMetadata creates metadata over data. Init must be called before any other method unless data
// already holds a chain written by another PageMetadata.
func NewPageMetadata(data []byte) *PageMetadata {
	return &PageMetadata{data: data}
}

// ReleaseResult describes the outcome of Release
type ReleaseResult struct {
	// Survivor is the header offset of the free block that remains after coalescing
	Survivor int
	// NextQueueNode is the queue node of the following block if it was free and has been absorbed into
	// Survivor, or 0
	NextQueueNode uint32
	// PrevQueueNode is the queue node of the preceding block if it was free and Survivor is that block,
	// or 0
	PrevQueueNode uint32
}

// Init installs a single free block spanning the whole page, minus its header
func (m *PageMetadata) Init() error {
	if len(m.data) <= HeaderSize {
		return errors.Errorf("a page of %d bytes cannot hold a block header of %d bytes", len(m.data), HeaderSize)
	}

	m.writeHeader(0, true, len(m.data)-HeaderSize, NoBlock, NoBlock)
	return nil
}

// Size retrieves the size in bytes of the managed page
func (m *PageMetadata) Size() int {
	return len(m.data)
}

// MaxPayload is the size of the sole free block of an empty page
func (m *PageMetadata) MaxPayload() int {
	return len(m.data) - HeaderSize
}

func (m *PageMetadata) writeHeader(offset int, free bool, size int, prev int, next int) {
	h := m.data[offset : offset+HeaderSize]
	putU32(h, magicField, headerMagic)
	var flags uint32
	if free {
		flags |= flagFree
	}
	putU32(h, flagsField, flags)
	putU64(h, sizeField, uint64(size))
	putU64(h, pageOffsetField, uint64(offset))
	putU64(h, prevField, encodeLink(prev))
	putU64(h, nextField, encodeLink(next))
	putU32(h, queueNodeField, 0)
	putU32(h, queueNodeField+4, 0)
}

func (m *PageMetadata) header(offset int) []byte {
	return m.data[offset : offset+HeaderSize]
}

// CheckHeader verifies that a block header lives at offset: it must fit in the page, carry the header
// marker and record its own offset.
func (m *PageMetadata) CheckHeader(offset int) error {
	if offset < 0 || offset+HeaderSize > len(m.data) {
		return errors.Wrapf(memutils.CorruptHeaderError, "offset %d is outside of a page of %d bytes", offset, len(m.data))
	}

	h := m.header(offset)
	if readU32(h, magicField) != headerMagic {
		return errors.Wrapf(memutils.CorruptHeaderError, "no block header marker at offset %d", offset)
	}
	if recorded := readU64(h, pageOffsetField); recorded != uint64(offset) {
		return errors.Wrapf(memutils.CorruptHeaderError, "block header at offset %d records offset %d", offset, recorded)
	}

	return nil
}

func (m *PageMetadata) IsFree(offset int) bool {
	return readU32(m.header(offset), flagsField)&flagFree != 0
}

func (m *PageMetadata) setFree(offset int, free bool) {
	h := m.header(offset)
	flags := readU32(h, flagsField) &^ flagFree
	if free {
		flags |= flagFree
	}
	putU32(h, flagsField, flags)
}

// BlockSize is the recorded payload size of the block at offset
func (m *PageMetadata) BlockSize(offset int) int {
	return int(readU64(m.header(offset), sizeField))
}

func (m *PageMetadata) setBlockSize(offset int, size int) {
	putU64(m.header(offset), sizeField, uint64(size))
}

// Next is the header offset of the physically following block, or NoBlock
func (m *PageMetadata) Next(offset int) int {
	return decodeLink(readU64(m.header(offset), nextField))
}

func (m *PageMetadata) setNext(offset int, next int) {
	putU64(m.header(offset), nextField, encodeLink(next))
}

// Prev is the header offset of the physically preceding block, or NoBlock
func (m *PageMetadata) Prev(offset int) int {
	return decodeLink(readU64(m.header(offset), prevField))
}

func (m *PageMetadata) setPrev(offset int, prev int) {
	putU64(m.header(offset), prevField, encodeLink(prev))
}

// QueueNode is an opaque value the consumer attaches to a free block, usually the handle of the node that
// tracks the block in a free-block priority queue. 0 means the block is not queued.
func (m *PageMetadata) QueueNode(offset int) uint32 {
	return readU32(m.header(offset), queueNodeField)
}

func (m *PageMetadata) SetQueueNode(offset int, node uint32) {
	putU32(m.header(offset), queueNodeField, node)
}

// PayloadOffset is the offset of the first payload byte of the block at offset
func (m *PageMetadata) PayloadOffset(offset int) int {
	return offset + HeaderSize
}

// Payload returns the payload of the block at offset. The slice's capacity ends at the recorded size, so
// appending to it cannot spill into the next header.
func (m *PageMetadata) Payload(offset int) []byte {
	start := offset + HeaderSize
	end := start + m.BlockSize(offset)
	return m.data[start:end:end]
}

// BlockForPayload recovers the header offset from the offset of a payload's first byte
func (m *PageMetadata) BlockForPayload(payloadOffset int) (int, error) {
	offset := payloadOffset - HeaderSize
	err := m.CheckHeader(offset)
	if err != nil {
		return NoBlock, err
	}
	return offset, nil
}

// extent is the offset just past the bytes owned by the block at offset, which is the next header or the
// end of the page
func (m *PageMetadata) extent(offset int) int {
	next := m.Next(offset)
	if next == NoBlock {
		return len(m.data)
	}
	return next
}

// Split carves an allocation of size bytes from the front of the free block at offset. The block is
// marked taken and its size becomes exactly size. When the bytes left over can hold a header, a new free
// block is written directly after the payload and its offset is returned; otherwise the leftover bytes
// are absorbed as hard fragmentation and NoBlock is returned. The block's queue node is cleared: the
// consumer must remove it from its queue before calling Split.
func (m *PageMetadata) Split(offset int, size int) (int, error) {
	err := m.CheckHeader(offset)
	if err != nil {
		return NoBlock, err
	}
	if !m.IsFree(offset) {
		return NoBlock, errors.Errorf("block at offset %d is already taken", offset)
	}

	current := m.BlockSize(offset)
	if size < 0 || size > current {
		return NoBlock, errors.Errorf("block at offset %d holds %d bytes, but %d were requested", offset, current, size)
	}

	remaining := current - size
	m.setFree(offset, false)
	m.setBlockSize(offset, size)
	m.SetQueueNode(offset, 0)

	if remaining < HeaderSize {
		return NoBlock, nil
	}

	next := m.Next(offset)
	remainder := offset + HeaderSize + size
	m.writeHeader(remainder, true, remaining-HeaderSize, offset, next)
	if next != NoBlock {
		m.setPrev(next, remainder)
	}
	m.setNext(offset, remainder)

	return remainder, nil
}

// Release marks the taken block at offset free and coalesces it. Any gap up to the next header or the
// page end is absorbed first. Then a free following block is merged into it, and finally it is merged
// into a free preceding block, so the leftmost header always survives. The queue nodes of absorbed
// neighbours are reported so that the consumer can dequeue them, and the survivor's queue node is
// cleared.
func (m *PageMetadata) Release(offset int) (ReleaseResult, error) {
	result := ReleaseResult{Survivor: offset}

	err := m.CheckHeader(offset)
	if err != nil {
		return result, err
	}
	if m.IsFree(offset) {
		return result, errors.Errorf("block at offset %d is already free", offset)
	}

	m.setFree(offset, true)
	m.setBlockSize(offset, m.extent(offset)-offset-HeaderSize)

	next := m.Next(offset)
	if next != NoBlock && m.IsFree(next) {
		result.NextQueueNode = m.QueueNode(next)
		m.merge(offset, next)
	}

	prev := m.Prev(offset)
	if prev != NoBlock && m.IsFree(prev) {
		result.PrevQueueNode = m.QueueNode(prev)
		m.merge(prev, offset)
		result.Survivor = prev
	}

	m.SetQueueNode(result.Survivor, 0)
	return result, nil
}

func (m *PageMetadata) merge(left int, right int) {
	if m.Next(left) != right {
		panic("cannot merge separate physical regions")
	}

	next := m.Next(right)
	m.setBlockSize(left, m.BlockSize(left)+HeaderSize+m.BlockSize(right))
	m.setNext(left, next)
	if next != NoBlock {
		m.setPrev(next, left)
	}

	// the absorbed header must not validate anymore
	putU32(m.header(right), magicField, 0)
}

// IsEmpty will return true if this page has no live allocations, which is only the case when a single
// free block spans it
func (m *PageMetadata) IsEmpty() bool {
	return m.IsFree(0) && m.Next(0) == NoBlock
}

// VisitAllRegions will call the provided callback once for each allocation and free region in the page,
// in address order. Returning an error stops the walk and is returned.
func (m *PageMetadata) VisitAllRegions(handleBlock func(offset int, size int, free bool) error) error {
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		err := handleBlock(offset, m.BlockSize(offset), m.IsFree(offset))
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *PageMetadata) AllocationCount() int {
	count := 0
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		if !m.IsFree(offset) {
			count++
		}
	}
	return count
}

func (m *PageMetadata) FreeRegionsCount() int {
	count := 0
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		if m.IsFree(offset) {
			count++
		}
	}
	return count
}

func (m *PageMetadata) SumFreeSize() int {
	sum := 0
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		if m.IsFree(offset) {
			sum += m.BlockSize(offset)
		}
	}
	return sum
}

// Largest returns the offset and size of the largest block in the requested state. The first block wins
// ties. NoBlock is returned when no block is in that state.
func (m *PageMetadata) Largest(free bool) (int, int) {
	found, size := NoBlock, 0
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		if m.IsFree(offset) != free {
			continue
		}
		if found == NoBlock || m.BlockSize(offset) > size {
			found = offset
			size = m.BlockSize(offset)
		}
	}
	return found, size
}

// AddStatistics adds this page's summary to stats
func (m *PageMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.PageBytes += len(m.data)

	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		if !m.IsFree(offset) {
			stats.AllocationCount++
			stats.AllocationBytes += m.BlockSize(offset)
		}
	}
}

// AddDetailedStatistics adds this page's allocations and free blocks to stats, including the bytes lost
// to hard fragmentation behind taken blocks
func (m *PageMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += len(m.data)

	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		size := m.BlockSize(offset)
		if m.IsFree(offset) {
			stats.AddFreeBlock(size)
			continue
		}

		stats.AddAllocation(size)
		stats.HardFragmentationBytes += m.extent(offset) - offset - HeaderSize - size
	}
}

// Validate performs internal consistency checks on the chain. When the implementation is functioning
// correctly, it should not be possible for this method to return an error.
func (m *PageMetadata) Validate() error {
	if len(m.data) <= HeaderSize {
		return errors.Errorf("a page of %d bytes cannot hold a block header", len(m.data))
	}

	prev := NoBlock
	prevFree := false
	blocks := 0
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		blocks++
		if blocks > len(m.data)/HeaderSize {
			return errors.New("the physical block chain does not terminate")
		}

		err := m.CheckHeader(offset)
		if err != nil {
			return err
		}

		if m.Prev(offset) != prev {
			return errors.Errorf("block at offset %d has a previous physical block, but the reverse reference is broken", offset)
		}

		free := m.IsFree(offset)
		if free && prevFree {
			return errors.Errorf("free blocks at offsets %d and %d were not merged", prev, offset)
		}
		if !free && m.QueueNode(offset) != 0 {
			return errors.Errorf("block at offset %d is taken but still holds queue node %d", offset, m.QueueNode(offset))
		}

		end := offset + HeaderSize + m.BlockSize(offset)
		extent := m.extent(offset)
		if extent > len(m.data) {
			return errors.Errorf("block at offset %d is followed by a block outside of the page", offset)
		}
		if end > extent {
			return errors.Errorf("block at offset %d ends at %d, past the next block's start offset %d", offset, end, extent)
		}
		if free && end != extent {
			return errors.Errorf("free block at offset %d does not end at the next block's start offset", offset)
		}
		if extent-end >= HeaderSize {
			return errors.Errorf("block at offset %d leaves %d unaccounted bytes behind it", offset, extent-end)
		}

		prev = offset
		prevFree = free
	}

	return nil
}

// BlockJsonData populates a json object with information about this page
func (m *PageMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(len(m.data))
	json.Name("UnusedBytes").Int(stats.FreeBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.FreeBlockCount)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("TAKEN")
		}
		obj.Name("Size").Int(size)
		return nil
	})
}

// DebugLogAllAllocations calls logFunc for every taken block in address order
func (m *PageMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	for offset := 0; offset != NoBlock; offset = m.Next(offset) {
		if !m.IsFree(offset) {
			logFunc(logger, offset, m.BlockSize(offset))
		}
	}
}
