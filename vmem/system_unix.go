//go:build unix

package vmem

import (
	"sync"

	"golang.org/x/sys/unix"
)

var (
	pageSizeOnce sync.Once
	pageSize     int
)

// SystemMapper maps anonymous private memory with mmap(2). The page size is queried from the OS once
// per process.
type SystemMapper struct{}

func (SystemMapper) PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = unix.Getpagesize()
	})
	return pageSize
}

func (SystemMapper) Mmap(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (SystemMapper) Munmap(b []byte) error {
	return unix.Munmap(b)
}
