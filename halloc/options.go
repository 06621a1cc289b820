package halloc

import (
	"strings"

	"github.com/vkngwrapper/hostmem/memutils/metadata"
	"github.com/vkngwrapper/hostmem/vmem"
)

// CreateFlags indicate specific arena behaviors to activate or deactivate
type CreateFlags int32

const (
	// ArenaCreateExternallySynchronized ensures that the arena will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism, but performance may improve because the internal mutex is not used.
	ArenaCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagNames = []struct {
	flag CreateFlags
	name string
}{
	{ArenaCreateExternallySynchronized, "ArenaCreateExternallySynchronized"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, entry := range createFlagNames {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
			f &^= entry.flag
		}
	}
	if f != 0 {
		names = append(names, "Unknown")
	}
	return strings.Join(names, "|")
}

const (
	// MaxTypeNameLength is the size of the name field of a type descriptor. Names must be strictly
	// shorter so that the field keeps its terminating zero byte.
	MaxTypeNameLength int = 64
	// MinSystemPageSize is the smallest OS page size the arena will run on
	MinSystemPageSize int = 4096
	// DefaultMaxMappingBytes is the largest single mapping the arena will request when CreateOptions
	// does not say otherwise
	DefaultMaxMappingBytes int = 262145 * MinSystemPageSize
	// HeaderSize is the number of bytes of block header in front of every payload
	HeaderSize int = metadata.HeaderSize
)

// CreateOptions contains optional settings when creating an arena
type CreateOptions struct {
	// Flags indicates specific arena behaviors to activate or deactivate
	Flags CreateFlags
	// Mapper is the source of mapped memory. It defaults to vmem.SystemMapper.
	Mapper vmem.Mapper
	// MaxMappingBytes caps the size of a single page mapping, and so the size of a single allocation.
	// It is rounded down to whole pages and defaults to DefaultMaxMappingBytes.
	MaxMappingBytes int
}
