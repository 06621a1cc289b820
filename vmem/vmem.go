package vmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source vmem.go -destination ./mocks/mapper.go -package mocks

// Mapper is the operating system's virtual memory interface: it reports the page size and maps and
// unmaps anonymous, zero-filled, read/write memory in whole pages.
type Mapper interface {
	PageSize() int
	Mmap(length int) ([]byte, error)
	Munmap(b []byte) error
}

// Region owns exactly one mapping acquired from a Mapper. It is released with Unmap, after which
// Bytes returns nil.
type Region struct {
	mapper Mapper
	data   []byte
	pages  int
}

// Map acquires pages*pageSize bytes from mapper. The returned memory is zero-filled even when the mapper
// hands back recycled memory.
func Map(mapper Mapper, pageSize int, pages int) (*Region, error) {
	if pages < 1 || pageSize < 1 {
		return nil, errors.Newf("cannot map %d pages of %d bytes", pages, pageSize)
	}
	if pages > maxInt/pageSize {
		return nil, errors.Newf("mapping %d pages of %d bytes overflows", pages, pageSize)
	}

	length := pages * pageSize
	data, err := mapper.Mmap(length)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes", length)
	}
	if len(data) != length {
		_ = mapper.Munmap(data)
		return nil, errors.Newf("mapper returned %d bytes when %d were requested", len(data), length)
	}

	for i := range data {
		data[i] = 0
	}

	return &Region{
		mapper: mapper,
		data:   data,
		pages:  pages,
	}, nil
}

const maxInt = int(^uint(0) >> 1)

func (r *Region) Bytes() []byte {
	return r.data
}

func (r *Region) Len() int {
	return len(r.data)
}

// Pages is the number of OS pages backing the region
func (r *Region) Pages() int {
	return r.pages
}

// Addr is the address of the first mapped byte, or 0 once the region has been unmapped
func (r *Region) Addr() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

// Contains reports whether the address p lies inside the mapping
func (r *Region) Contains(p uintptr) bool {
	base := r.Addr()
	return base != 0 && p >= base && p < base+uintptr(len(r.data))
}

func (r *Region) Mapped() bool {
	return r.data != nil
}

// Unmap returns the mapping to the operating system. The region is unusable afterward even when the
// mapper reports a failure, in which case the mapping leaks. Unmapping twice is a no-op.
func (r *Region) Unmap() error {
	if r.data == nil {
		return nil
	}

	data := r.data
	r.data = nil

	err := r.mapper.Munmap(data)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap %d bytes", len(data))
	}
	return nil
}
