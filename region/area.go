// Package region defines the offset-addressing scheme used by the shared-memory
// command channel. Both the guest and the device see the same span of video
// memory, but neither can trust the other's virtual addresses, so every location
// that crosses the boundary is expressed as a 32-bit offset relative to the start
// of video memory. Within this module a "pointer" into the shared span is an
// integer index into the mapped byte slice, never a raw machine address.
package region

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Offset is a location within video memory, expressed as a byte distance from
// the start of video memory.
type Offset uint32

// OffsetVoid denotes "no valid location". It is never produced for a live
// buffer and must never be dereferenced.
const OffsetVoid Offset = math.MaxUint32

// Area is a contiguous span of video memory mapped into this process, together
// with the offset of that span within the whole of video memory. The mapping is
// performed by an external collaborator; Area only does offset arithmetic over
// the bytes it was given.
type Area struct {
	mem     []byte
	offBase Offset
}

// NewArea binds an Area to a mapped byte span. offBase is the offset of mem's
// first byte within video memory.
func NewArea(mem []byte, offBase Offset) (*Area, error) {
	if len(mem) == 0 {
		return nil, errors.New("an area cannot be created over an empty mapping")
	}
	if uint64(len(mem)) > math.MaxUint32 {
		return nil, errors.Newf("mapping of %d bytes cannot be addressed with 32-bit offsets", len(mem))
	}
	if uint64(offBase)+uint64(len(mem)) > math.MaxUint32 {
		return nil, errors.Newf("area of %d bytes at base offset %d extends past the addressable range", len(mem), offBase)
	}

	return &Area{
		mem:     mem,
		offBase: offBase,
	}, nil
}

// Size returns the length of the mapped span in bytes.
func (a *Area) Size() uint32 {
	return uint32(len(a.mem))
}

// Base returns the offset of the mapped span within video memory.
func (a *Area) Base() Offset {
	return a.offBase
}

// Bytes returns the mapped span itself.
func (a *Area) Bytes() []byte {
	return a.mem
}

// ToOffset converts an index into the mapped span to its video-memory offset.
// Indices outside the span convert to OffsetVoid.
func (a *Area) ToOffset(index int) Offset {
	if index < 0 || index >= len(a.mem) {
		return OffsetVoid
	}

	return a.offBase + Offset(index)
}

// FromOffset is the inverse of ToOffset. It reports false for OffsetVoid and
// for any offset outside the mapped span.
func (a *Area) FromOffset(off Offset) (int, bool) {
	if off == OffsetVoid || off < a.offBase {
		return 0, false
	}

	index := int(off - a.offBase)
	if index >= len(a.mem) {
		return 0, false
	}

	return index, true
}

// Slice returns the n bytes of the span starting at the provided video-memory
// offset.
func (a *Area) Slice(off Offset, n uint32) ([]byte, error) {
	index, ok := a.FromOffset(off)
	if !ok {
		return nil, errors.Newf("offset 0x%08x does not lie within this area", uint32(off))
	}
	if uint64(index)+uint64(n) > uint64(len(a.mem)) {
		return nil, errors.Newf("a span of %d bytes at offset 0x%08x extends past the end of this area", n, uint32(off))
	}

	return a.mem[index : index+int(n)], nil
}
