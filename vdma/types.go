// Package vdma builds the layered transfer commands carried over the command
// channel: an outer buffer descriptor, a typed command tag, and one of two
// inner transfer descriptors, a plain block copy or a rectangle blit. All
// layouts are fixed and little-endian.
package vdma

import (
	"encoding/binary"

	"github.com/vmgfx/hgsm"
)

// Fixed layer sizes in bytes.
const (
	// TransferPrefixSize is the reserved span at the start of a transfer
	// buffer's payload before the outer descriptor.
	TransferPrefixSize = 32
	// DescriptorSize is the encoded size of the outer descriptor.
	DescriptorSize = 72
	// CommandHeaderSize is the encoded size of the typed command tag.
	CommandHeaderSize = 8
	// BlockTransferSize is the encoded size of a block-copy descriptor.
	BlockTransferSize = 24
	// PresentBlitBaseSize is the encoded size of a blit descriptor with no
	// sub-rectangles. Each sub-rectangle adds RectangleSize bytes.
	PresentBlitBaseSize = 88
	// SurfaceDescriptorSize is the encoded size of one surface description.
	SurfaceDescriptorSize = 24
	// RectangleSize is the encoded size of one rectangle.
	RectangleSize = 8
)

// CommandType selects the inner transfer descriptor.
type CommandType uint32

const (
	CommandPresentBlit   CommandType = 1
	CommandBlockTransfer CommandType = 2
)

// DescriptorFlagBufferFollows marks a descriptor whose command data is
// embedded in the same buffer, directly after the descriptor.
const DescriptorFlagBufferFollows uint16 = 0x0002

// Block transfer flags, one bit per side. A set bit means that side's
// Location is a video-memory offset rather than a device buffer handle.
const (
	BlockTransferSrcIsOffset uint32 = 0x01
	BlockTransferDstIsOffset uint32 = 0x02
)

// PixelFormatR8G8B8 is the only pixel format the transfer path emits; the
// scanline convention below makes the real format irrelevant.
const PixelFormatR8G8B8 uint32 = 20

// Descriptor is the outer layer of a transfer command. The device writes its
// status into Status before the submission notification returns.
type Descriptor struct {
	Flags      uint16
	BufferSize uint16
	Status     hgsm.Result
	Location   Location
	GuestData  [7]uint64
}

func (d *Descriptor) encodeTo(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], d.Flags)
	binary.LittleEndian.PutUint16(b[2:], d.BufferSize)
	binary.LittleEndian.PutUint32(b[4:], uint32(int32(d.Status)))
	binary.LittleEndian.PutUint64(b[8:], d.Location.Encoded())
	for i, data := range d.GuestData {
		binary.LittleEndian.PutUint64(b[16+8*i:], data)
	}
}

// decodeDescriptorStatus reads back the device-written status field of an
// encoded descriptor.
func decodeDescriptorStatus(b []byte) hgsm.Result {
	return hgsm.Result(int32(binary.LittleEndian.Uint32(b[4:])))
}

// CommandHeader is the typed tag between the outer descriptor and the inner
// transfer descriptor.
type CommandHeader struct {
	Type     CommandType
	Specific uint32
}

func (c *CommandHeader) encodeTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(c.Type))
	binary.LittleEndian.PutUint32(b[4:], c.Specific)
}

// BlockTransfer is the inner descriptor for a flat copy of Size bytes between
// two locations.
type BlockTransfer struct {
	Size  uint32
	Flags uint32
	Src   Location
	Dst   Location
}

func (t *BlockTransfer) encodeTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], t.Size)
	binary.LittleEndian.PutUint32(b[4:], t.Flags)
	binary.LittleEndian.PutUint64(b[8:], t.Src.Encoded())
	binary.LittleEndian.PutUint64(b[16:], t.Dst.Encoded())
}

// SurfaceDescriptor describes one side of a blit.
type SurfaceDescriptor struct {
	Width        uint32
	Height       uint32
	Format       uint32
	BitsPerPixel uint32
	Pitch        uint32
	Flags        uint32
}

func (s *SurfaceDescriptor) encodeTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], s.Width)
	binary.LittleEndian.PutUint32(b[4:], s.Height)
	binary.LittleEndian.PutUint32(b[8:], s.Format)
	binary.LittleEndian.PutUint32(b[12:], s.BitsPerPixel)
	binary.LittleEndian.PutUint32(b[16:], s.Pitch)
	binary.LittleEndian.PutUint32(b[20:], s.Flags)
}

// Rectangle is a blit rectangle.
type Rectangle struct {
	Left   int16
	Top    int16
	Width  uint16
	Height uint16
}

func (r *Rectangle) encodeTo(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], uint16(r.Left))
	binary.LittleEndian.PutUint16(b[2:], uint16(r.Top))
	binary.LittleEndian.PutUint16(b[4:], r.Width)
	binary.LittleEndian.PutUint16(b[6:], r.Height)
}

// PresentBlit is the inner descriptor for a rectangle copy between two
// surfaces identified by video-memory offsets.
type PresentBlit struct {
	SrcOffset uint64
	DstOffset uint64
	SrcDesc   SurfaceDescriptor
	DstDesc   SurfaceDescriptor
	SrcRect   Rectangle
	DstRect   Rectangle
	SubRects  []Rectangle
}

func (p *PresentBlit) encodedSize() int {
	return PresentBlitBaseSize + RectangleSize*len(p.SubRects)
}

func (p *PresentBlit) encodeTo(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], p.SrcOffset)
	binary.LittleEndian.PutUint64(b[8:], p.DstOffset)
	p.SrcDesc.encodeTo(b[16:])
	p.DstDesc.encodeTo(b[40:])
	p.SrcRect.encodeTo(b[64:])
	p.DstRect.encodeTo(b[72:])
	binary.LittleEndian.PutUint32(b[80:], 0)
	binary.LittleEndian.PutUint32(b[84:], uint32(len(p.SubRects)))
	for i := range p.SubRects {
		p.SubRects[i].encodeTo(b[PresentBlitBaseSize+RectangleSize*i:])
	}
}

// scanlineSurface fabricates a surface descriptor that makes a blit of size
// bytes legal: one pixel wide, size scanlines tall, with a one-byte pitch, so
// the device copies exactly size bytes regardless of the claimed pixel
// format.
func scanlineSurface(size uint32) SurfaceDescriptor {
	return SurfaceDescriptor{
		Width:        1,
		Height:       size,
		Format:       PixelFormatR8G8B8,
		BitsPerPixel: 1,
		Pitch:        1,
	}
}

func scanlineRect(size uint32) Rectangle {
	return Rectangle{
		Width:  1,
		Height: uint16(size),
	}
}
