package halloc

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils/dll"
)

// Validate performs internal consistency checks on every type: page chains and block chains are well
// formed, no empty page is still mapped, and each type's free queue holds exactly its free blocks, largest
// first. When the arena is functioning correctly, it should not be possible for this method to return an
// error.
func (a *Arena) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return a.destroyedError()
	}
	return a.validate()
}

func (a *Arena) validate() error {
	tracked := 0

	var err error
	a.eachType(func(d typeDescriptor) bool {
		var count int
		count, err = a.validateType(d)
		tracked += count
		return err == nil
	})
	if err != nil {
		return err
	}

	if tracked != a.allocations.Count() {
		return errors.Newf("pages hold %d allocations, but %d are tracked by address", tracked, a.allocations.Count())
	}
	return nil
}

func (a *Arena) validateType(d typeDescriptor) (int, error) {
	chain := a.pages.List(d.firstPage())
	err := chain.Check()
	if err != nil {
		return 0, errors.Wrapf(err, "page chain of type %q", d.Name())
	}

	pageCount, freeBlocks, allocated := 0, 0, 0
	largest := -1
	chain.Each(func(h dll.Handle, p *page) bool {
		pageCount++
		if p.owner != d {
			err = errors.Newf("page %d is in the chain of type %q but belongs to type %q", p.id, d.Name(), p.owner.Name())
			return false
		}
		if !p.region.Mapped() {
			err = errors.Newf("page %d of type %q is not mapped", p.id, d.Name())
			return false
		}

		err = p.meta.Validate()
		if err != nil {
			err = errors.Wrapf(err, "page %d of type %q", p.id, d.Name())
			return false
		}
		if p.meta.IsEmpty() {
			err = errors.Newf("page %d of type %q is empty but still mapped", p.id, d.Name())
			return false
		}

		err = p.meta.VisitAllRegions(func(offset int, size int, free bool) error {
			if !free {
				allocated++
				b, ok := a.allocations.Get(payloadAddr(p.meta.Payload(offset)))
				if !ok || b.page != h || b.offset != offset {
					return errors.Newf("allocation at offset %d of page %d is not tracked by address", offset, p.id)
				}
				return nil
			}

			freeBlocks++
			if size > largest {
				largest = size
			}

			node := dll.Handle(p.meta.QueueNode(offset))
			if !a.queue.Live(node) {
				return errors.Newf("free block at offset %d of page %d is not queued", offset, p.id)
			}
			if entry := a.queue.Value(node); entry.page != h || entry.offset != offset {
				return errors.Newf("free block at offset %d of page %d holds the queue node of another block", offset, p.id)
			}
			return nil
		})
		return err == nil
	})
	if err != nil {
		return 0, err
	}

	if pageCount != d.PageCount() {
		return 0, errors.Newf("type %q records %d pages, but its chain holds %d", d.Name(), d.PageCount(), pageCount)
	}

	queued := 0
	previous := -1
	for h := a.queue.Next(d.queueSentinel()); h != dll.Nil; h = a.queue.Next(h) {
		queued++
		entry := a.queue.Value(h)
		if !a.pages.Live(entry.page) {
			return 0, errors.Newf("free queue of type %q refers to a released page", d.Name())
		}

		meta := a.pages.Value(entry.page).meta
		if meta.CheckHeader(entry.offset) != nil || !meta.IsFree(entry.offset) {
			return 0, errors.Newf("free queue of type %q holds a block at offset %d that is not free", d.Name(), entry.offset)
		}

		size := meta.BlockSize(entry.offset)
		if previous >= 0 && size > previous {
			return 0, errors.Newf("free queue of type %q is out of order: %d bytes follow %d bytes", d.Name(), size, previous)
		}
		if queued == 1 && size != largest {
			return 0, errors.Newf("free queue of type %q starts with %d bytes, but its largest free block holds %d", d.Name(), size, largest)
		}
		previous = size
	}

	if queued != freeBlocks {
		return 0, errors.Newf("type %q has %d free blocks, but %d are queued", d.Name(), freeBlocks, queued)
	}

	return allocated, nil
}
