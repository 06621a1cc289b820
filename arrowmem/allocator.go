// Package arrowmem backs Apache Arrow buffers with a halloc arena, so that columnar data lives in mapped
// pages owned by a single type.
package arrowmem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/halloc"
)

const (
	alignment = 64

	// DefaultTypeName is the type buffers are registered under when NewAllocator is given an empty name
	DefaultTypeName = "arrow.buffer"
)

var _ memory.Allocator = &Allocator{}

// Allocator implements memory.Allocator on top of an arena. Every buffer is one block of the allocator's
// type, padded so the returned bytes start on a 64-byte boundary. Failures panic, as with every other
// arrow allocator.
type Allocator struct {
	arena    *halloc.Arena
	typeName string

	mutex  sync.Mutex
	blocks *swiss.Map[uintptr, halloc.Block]

	allocatedBytes atomic.Int64
}

func NewAllocator(arena *halloc.Arena, typeName string) *Allocator {
	if typeName == "" {
		typeName = DefaultTypeName
	}

	return &Allocator{
		arena:    arena,
		typeName: typeName,
		blocks:   swiss.NewMap[uintptr, halloc.Block](16),
	}
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func (a *Allocator) TypeName() string {
	return a.typeName
}

// AllocatedBytes is the number of bytes handed out and not yet freed, padding excluded
func (a *Allocator) AllocatedBytes() int64 {
	return a.allocatedBytes.Load()
}

func (a *Allocator) Allocate(size int) []byte {
	if size < 0 {
		panic("arrowmem: negative size")
	}
	if size == 0 {
		return []byte{}
	}

	block, err := a.arena.Alloc(a.typeName, 1, size+alignment)
	if err != nil {
		panic(errors.Wrapf(err, "arrowmem: failed to allocate %d bytes", size))
	}

	data := block.Bytes()
	addr := addressOf(data)
	shift := int((addr+alignment-1)&^(alignment-1) - addr)
	buf := data[shift : shift+size : shift+size]

	a.mutex.Lock()
	a.blocks.Put(addressOf(buf), block)
	a.mutex.Unlock()

	a.allocatedBytes.Add(int64(size))
	return buf
}

func (a *Allocator) Reallocate(size int, b []byte) []byte {
	if size < 0 {
		panic("arrowmem: negative size")
	}
	if size == len(b) {
		return b
	}

	newBuf := a.Allocate(size)
	copy(newBuf, b)
	a.Free(b)
	return newBuf
}

func (a *Allocator) Free(b []byte) {
	if len(b) == 0 {
		return
	}

	addr := addressOf(b)
	a.mutex.Lock()
	block, ok := a.blocks.Get(addr)
	if ok {
		a.blocks.Delete(addr)
	}
	a.mutex.Unlock()

	if !ok {
		panic(errors.Newf("arrowmem: buffer at %#x was not allocated by this allocator", addr))
	}

	err := a.arena.Free(block)
	if err != nil {
		panic(errors.Wrap(err, "arrowmem: failed to free buffer"))
	}
	a.allocatedBytes.Add(int64(-len(b)))
}

// AssertSize fails t when the allocator does not hold exactly sz bytes
func (a *Allocator) AssertSize(t memory.TestingT, sz int) {
	if current := a.AllocatedBytes(); int64(sz) != current {
		t.Helper()
		t.Errorf("invalid memory size exp=%d, got=%d", sz, current)
	}
}
