package vdma

import "github.com/vmgfx/hgsm/region"

// Location identifies the memory a transfer touches. It is one of two
// variants: an opaque 64-bit buffer handle owned by the device, or an offset
// into video memory. On the wire both occupy the same 64-bit field; the
// transfer's flags tell the device which reading applies.
type Location struct {
	raw      uint64
	isOffset bool
}

// LocationFromHandle wraps a device buffer handle.
func LocationFromHandle(handle uint64) Location {
	return Location{raw: handle}
}

// LocationFromOffset wraps a video-memory offset.
func LocationFromOffset(off region.Offset) Location {
	return Location{raw: uint64(off), isOffset: true}
}

// Handle returns the buffer handle variant's value.
func (l Location) Handle() (uint64, bool) {
	if l.isOffset {
		return 0, false
	}
	return l.raw, true
}

// Offset returns the video-memory offset variant's value.
func (l Location) Offset() (region.Offset, bool) {
	if !l.isOffset {
		return region.OffsetVoid, false
	}
	return region.Offset(l.raw), true
}

// IsOffset reports which variant this Location holds.
func (l Location) IsOffset() bool {
	return l.isOffset
}

// Encoded returns the 64-bit wire representation.
func (l Location) Encoded() uint64 {
	return l.raw
}
