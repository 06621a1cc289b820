//go:build !unix

package vmem

// SystemMapper falls back to heap-backed mappings on platforms without mmap(2)
type SystemMapper struct {
	HeapMapper
}
