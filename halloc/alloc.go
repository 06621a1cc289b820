package halloc

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils"
	"golang.org/x/exp/slog"
)

func (a *Arena) checkRequest(typeName string, elementSize int, units int) error {
	if units < 1 {
		return errors.Mark(errors.Newf("minimum allocation units equals 1, got %d", units), ErrInvalidArgument)
	}
	if len(typeName) >= MaxTypeNameLength {
		return errors.Mark(
			errors.Newf("type name %q is %d bytes long, names must be shorter than %d bytes", typeName, len(typeName), MaxTypeNameLength),
			ErrInvalidArgument,
		)
	}
	if typeName == "" || strings.IndexByte(typeName, 0) >= 0 {
		return errors.Mark(errors.Newf("type name %q is empty or contains a zero byte", typeName), ErrInvalidArgument)
	}
	if elementSize < 1 {
		return errors.Mark(errors.Newf("element size of type %q is %d bytes", typeName, elementSize), ErrInvalidArgument)
	}
	if elementSize > a.maxPayload/units {
		return errors.Mark(
			errors.Newf("%d units of %d bytes exceed the maximum allocation size of %d bytes", units, elementSize, a.maxPayload),
			ErrLimitExceeded,
		)
	}

	return nil
}

// Alloc reserves units consecutive elements of elementSize bytes for the type named typeName and returns
// the zero-filled block. The type is registered on first use; later requests for the same name must use
// the same element size.
func (a *Arena) Alloc(typeName string, elementSize int, units int) (Block, error) {
	a.logger.Debug("Arena::Alloc",
		slog.String("Type", typeName),
		slog.Int("ElementSize", elementSize),
		slog.Int("Units", units),
	)

	err := a.checkRequest(typeName, elementSize, units)
	if err != nil {
		a.logFailure("Arena::Alloc FAILED", err, slog.String("Type", typeName))
		return Block{}, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return Block{}, a.destroyedError()
	}

	d, ok := a.lookup(typeName)
	if !ok {
		d, err = a.register(typeName, elementSize)
		if err != nil {
			a.logFailure("Arena::Alloc FAILED to register type", err, slog.String("Type", typeName))
			return Block{}, err
		}
	} else if d.ElementSize() != elementSize {
		err = errors.Mark(
			errors.Newf("type %q is registered with element size %d, got %d", typeName, d.ElementSize(), elementSize),
			ErrInvalidArgument,
		)
		a.logFailure("Arena::Alloc FAILED", err, slog.String("Type", typeName))
		return Block{}, err
	}

	pageHandle, offset, err := a.allocateBlock(d, elementSize*units)
	if err != nil {
		a.logFailure("Arena::Alloc FAILED to allocate a block", err, slog.String("Type", typeName), slog.Int("Size", elementSize*units))
		return Block{}, err
	}

	p := a.pages.Value(pageHandle)
	payload := p.meta.Payload(offset)
	for i := range payload {
		payload[i] = 0
	}

	a.nextGeneration++
	block := Block{
		data:       payload,
		page:       pageHandle,
		pageID:     p.id,
		offset:     offset,
		generation: a.nextGeneration,
	}
	a.allocations.Put(payloadAddr(payload), block)

	memutils.DebugValidate(arenaValidator{a})
	return block, nil
}

// Free releases a block returned by Alloc. Freeing the zero Block is a no-op.
func (a *Arena) Free(b Block) error {
	if b.IsNil() {
		return nil
	}

	a.logger.Debug("Arena::Free", slog.Uint64("Page", b.pageID), slog.Int("Offset", b.offset))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.free(b)
}

func (a *Arena) free(b Block) error {
	if a.destroyed {
		return a.destroyedError()
	}

	err := a.releaseBlock(b)
	if err != nil {
		a.logFailure("Arena::Free FAILED", err, slog.Uint64("Page", b.pageID), slog.Int("Offset", b.offset))
		return err
	}

	memutils.DebugValidate(arenaValidator{a})
	return nil
}

// FreeBytes releases the block whose payload starts at the first byte of data. An empty slice is a no-op.
func (a *Arena) FreeBytes(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return a.freeAddress(payloadAddr(data))
}

func (a *Arena) freeAddress(addr uintptr) error {
	if addr == 0 {
		return nil
	}

	a.logger.Debug("Arena::FreeBytes", slog.String("Address", fmt.Sprintf("%#x", addr)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return a.destroyedError()
	}

	b, ok := a.allocations.Get(addr)
	if !ok {
		err := errors.Mark(errors.Newf("no live allocation starts at address %#x", addr), ErrInvalidBlock)
		a.logFailure("Arena::FreeBytes FAILED", err)
		return err
	}

	return a.free(b)
}

// BlockFor returns the live block whose payload starts at the first byte of data
func (a *Arena) BlockFor(data []byte) (Block, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocations.Get(payloadAddr(data))
}
