package vmem

import (
	"os"

	"github.com/cockroachdb/errors"
)

// HeapMapper serves mappings from the Go heap. It behaves like an OS mapper as far as the arena can
// tell and is useful on platforms without anonymous mappings, or to keep tests independent of the host.
// A zero PageSizeOverride uses the host page size.
type HeapMapper struct {
	PageSizeOverride int
}

func (m HeapMapper) PageSize() int {
	if m.PageSizeOverride != 0 {
		return m.PageSizeOverride
	}
	return os.Getpagesize()
}

func (m HeapMapper) Mmap(length int) ([]byte, error) {
	if length <= 0 {
		return nil, errors.Newf("invalid mapping length %d", length)
	}
	return make([]byte, length), nil
}

func (m HeapMapper) Munmap(b []byte) error {
	return nil
}
