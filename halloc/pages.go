package halloc

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/dll"
	"github.com/vkngwrapper/hostmem/memutils/metadata"
	"github.com/vkngwrapper/hostmem/vmem"
	"golang.org/x/exp/slog"
)

// pagesFor is the number of OS pages mapped for a payload. A page is added when the header would not
// leave room for the payload.
func (a *Arena) pagesFor(payload int) int {
	pages := memutils.PagesFor(payload, a.pageSize)
	if pages*a.pageSize-metadata.HeaderSize < payload {
		pages++
	}
	return pages
}

// allocatePage maps a page large enough for payload, installs its sole free block, and pushes it to the
// front of the type's page chain
func (a *Arena) allocatePage(d typeDescriptor, payload int) (dll.Handle, error) {
	memutils.DebugCheckPow2(a.pageSize, "page size")
	pages := a.pagesFor(payload)

	region, err := vmem.Map(a.mapper, a.pageSize, pages)
	if err != nil {
		return dll.Nil, errors.Mark(
			errors.Wrapf(err, "failed to map %d pages for type %q", pages, d.Name()),
			ErrResourceExhaustion,
		)
	}

	meta := metadata.NewPageMetadata(region.Bytes())
	err = meta.Init()
	if err != nil {
		_ = region.Unmap()
		return dll.Nil, errors.Mark(errors.Wrap(err, "failed to initialize a page"), ErrResourceExhaustion)
	}

	a.nextPageID++
	h := a.pages.Alloc(page{
		id:     a.nextPageID,
		region: region,
		meta:   meta,
		owner:  d,
	})

	chain := a.pages.List(d.firstPage())
	chain.Push(h)
	d.setFirstPage(chain.Head())
	d.setPageCount(d.PageCount() + 1)

	a.logger.Debug("    Arena::allocatePage",
		slog.String("Type", d.Name()),
		slog.Uint64("Page", a.nextPageID),
		slog.Int("Pages", pages),
	)
	return h, nil
}

// releasePage removes an empty page from its chain and unmaps it. An unmap failure leaks the mapping but
// is otherwise only logged.
func (a *Arena) releasePage(h dll.Handle) {
	p := a.pages.Value(h)
	d := p.owner
	region := p.region
	id := p.id

	chain := a.pages.List(d.firstPage())
	chain.Remove(h)
	d.setFirstPage(chain.Head())
	d.setPageCount(d.PageCount() - 1)
	a.pages.Release(h)

	err := region.Unmap()
	if err != nil {
		a.logFailure("failed to unmap an empty page", err, slog.String("Type", d.Name()), slog.Uint64("Page", id))
		return
	}

	a.logger.Debug("    Arena::releasePage", slog.String("Type", d.Name()), slog.Uint64("Page", id))
}

func (a *Arena) blockSize(fb *freeBlock) int {
	return a.pages.Value(fb.page).meta.BlockSize(fb.offset)
}

// compareFreeBlocks orders free blocks largest first
func (a *Arena) compareFreeBlocks(left, right *freeBlock) int {
	if a.blockSize(left) > a.blockSize(right) {
		return -1
	}
	return 1
}

func (a *Arena) enqueue(d typeDescriptor, pageHandle dll.Handle, offset int) {
	h := a.queue.Alloc(freeBlock{page: pageHandle, offset: offset})
	a.queue.InsertOrdered(d.queueSentinel(), h, a.compareFreeBlocks)
	a.pages.Value(pageHandle).meta.SetQueueNode(offset, uint32(h))
}

func (a *Arena) dequeue(node uint32) {
	h := dll.Handle(node)
	if h == dll.Nil {
		return
	}

	a.queue.Unlink(h)
	a.queue.Release(h)
}

// largestFree is the head of the type's free queue
func (a *Arena) largestFree(d typeDescriptor) (freeBlock, bool) {
	first := a.queue.Next(d.queueSentinel())
	if first == dll.Nil {
		return freeBlock{}, false
	}
	return *a.queue.Value(first), true
}

// allocateBlock carves size bytes out of the type's largest free block, mapping a new page when that block
// is missing or too small
func (a *Arena) allocateBlock(d typeDescriptor, size int) (dll.Handle, int, error) {
	candidate, ok := a.largestFree(d)
	if ok && a.blockSize(&candidate) >= size {
		a.dequeue(a.pages.Value(candidate.page).meta.QueueNode(candidate.offset))
	} else {
		// the new page's sole free block is split right away and never queued
		h, err := a.allocatePage(d, size)
		if err != nil {
			return dll.Nil, 0, err
		}
		candidate = freeBlock{page: h, offset: 0}
	}

	meta := a.pages.Value(candidate.page).meta

	remainder, err := meta.Split(candidate.offset, size)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "largest free block of type %q could not be split", d.Name()))
	}

	if remainder != metadata.NoBlock {
		a.enqueue(d, candidate.page, remainder)
	}

	return candidate.page, candidate.offset, nil
}

// releaseBlock returns a taken block to its type. Free neighbours are coalesced into it and leave the
// queue; the page is unmapped when nothing is left on it, otherwise the surviving block is queued.
func (a *Arena) releaseBlock(b Block) error {
	if !a.pages.Live(b.page) {
		return errors.Mark(errors.New("block refers to a page that is no longer mapped"), ErrInvalidBlock)
	}

	p := a.pages.Value(b.page)
	if p.id != b.pageID {
		return errors.Mark(errors.Newf("block refers to page %d, but page %d now holds its slot", b.pageID, p.id), ErrInvalidBlock)
	}

	err := p.meta.CheckHeader(b.offset)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "block at offset %d of page %d", b.offset, b.pageID), ErrInvalidBlock)
	}
	if p.meta.IsFree(b.offset) {
		return errors.Mark(errors.Newf("block at offset %d of page %d is already free", b.offset, b.pageID), ErrDoubleFree)
	}

	d := p.owner
	meta := p.meta
	payload := meta.Payload(b.offset)
	addr := payloadAddr(payload)
	if live, ok := a.allocations.Get(addr); !ok || live.generation != b.generation {
		return errors.Mark(
			errors.Newf("block at offset %d of page %d was freed, its space now holds another allocation", b.offset, b.pageID),
			ErrInvalidBlock,
		)
	}
	a.allocations.Delete(addr)
	memutils.DebugPoison(payload)

	result, err := meta.Release(b.offset)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "checked block at offset %d could not be released", b.offset))
	}

	a.dequeue(result.NextQueueNode)
	a.dequeue(result.PrevQueueNode)

	if meta.IsEmpty() {
		a.releasePage(b.page)
		return nil
	}

	a.enqueue(d, b.page, result.Survivor)
	return nil
}
