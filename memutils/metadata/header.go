package metadata

import "encoding/binary"

// HeaderSize is the number of bytes every block header occupies in front of its payload
const HeaderSize = 48

// NoBlock is returned in place of a header offset when there is no such block
const NoBlock = -1

const (
	headerMagic uint32 = 0x48414C43

	flagFree uint32 = 1 << 0

	noLink uint64 = ^uint64(0)
)

// Header layout, all fields little endian
const (
	magicField      = 0
	flagsField      = 4
	sizeField       = 8
	pageOffsetField = 16
	prevField       = 24
	nextField       = 32
	queueNodeField  = 40
)

func readU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func putU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

func readU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

func putU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

func encodeLink(offset int) uint64 {
	if offset == NoBlock {
		return noLink
	}
	return uint64(offset)
}

func decodeLink(v uint64) int {
	if v == noLink {
		return NoBlock
	}
	return int(v)
}
