package heap

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmgfx/hgsm/region"
)

// HeaderSize is the fixed number of bytes between the start of a heap block and
// its payload. Header recovery from a data offset is always this constant
// subtraction, never a variable one.
const HeaderSize = 16

// headerFlagFree marks a block that currently belongs to the free list. Live
// buffers carry a zero flags byte.
const headerFlagFree byte = 0x80

// BufferHeader is the fixed-layout record prefixed to every heap allocation.
// It lives in the shared region itself, so the device can recover a buffer's
// size, owning channel and operation code from the submitted offset alone.
//
// Wire layout, little-endian:
//
//	offset 0  u32  payload size in bytes
//	offset 4  u8   flags
//	offset 5  u8   channel id
//	offset 6  u16  operation code
//	offset 8  u32  free-list link (offset of the next free block's header,
//	               OffsetVoid when live or at the end of the free list)
//	offset 12 u32  reserved, always zero
type BufferHeader struct {
	DataSize uint32
	Flags    byte
	Channel  byte
	Opcode   uint16
	FreeLink region.Offset
}

// IsFree reports whether the header describes a free-list block rather than a
// live buffer.
func (h BufferHeader) IsFree() bool {
	return h.Flags&headerFlagFree != 0
}

// ReadHeaderAt decodes the buffer header at the given header offset within an
// area. It is used on the receiving side of the channel, where buffers were
// placed by the peer rather than by this allocator.
func ReadHeaderAt(area *region.Area, off region.Offset) (BufferHeader, error) {
	index, ok := area.FromOffset(off)
	if !ok || index+HeaderSize > len(area.Bytes()) {
		return BufferHeader{}, errors.Errorf("offset 0x%08x does not address a buffer header within this area", uint32(off))
	}

	return readHeader(area.Bytes(), index), nil
}

func readHeader(mem []byte, index int) BufferHeader {
	b := mem[index : index+HeaderSize]

	return BufferHeader{
		DataSize: binary.LittleEndian.Uint32(b[0:]),
		Flags:    b[4],
		Channel:  b[5],
		Opcode:   binary.LittleEndian.Uint16(b[6:]),
		FreeLink: region.Offset(binary.LittleEndian.Uint32(b[8:])),
	}
}

func writeHeader(mem []byte, index int, h BufferHeader) {
	b := mem[index : index+HeaderSize]

	binary.LittleEndian.PutUint32(b[0:], h.DataSize)
	b[4] = h.Flags
	b[5] = h.Channel
	binary.LittleEndian.PutUint16(b[6:], h.Opcode)
	binary.LittleEndian.PutUint32(b[8:], uint32(h.FreeLink))
	binary.LittleEndian.PutUint32(b[12:], 0)
}
