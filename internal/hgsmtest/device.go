// Package hgsmtest provides a scripted stand-in for the virtual display
// device. It owns a span of simulated video memory and executes submitted
// command buffers synchronously, the way the real device does during the
// notification write, so the guest-side packages can be tested end to end
// without hardware.
package hgsmtest

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/cmdchan"
	"github.com/vmgfx/hgsm/heap"
	"github.com/vmgfx/hgsm/region"
)

// PointerShape records one cursor update received by the device.
type PointerShape struct {
	Flags  uint32
	HotX   uint32
	HotY   uint32
	Width  uint32
	Height uint32
	Data   []byte
}

// Device simulates the display device end of the command channel.
//
// The zero exported fields record what the guest reported; the settable
// fields script the device's responses.
type Device struct {
	mu   sync.Mutex
	vram []byte
	area *region.Area

	// Recorded guest reports.
	FlagsLocation  region.Offset
	FlagsSize      uint32
	Caps           uint32
	HostAreaOffset region.Offset
	HostAreaSize   uint32
	Shapes         []PointerShape
	GuestCursorX   uint32
	GuestCursorY   uint32
	Submitted      []region.Offset
	Completed      []region.Offset

	// Scripted responses.
	MonitorCount uint32
	HostHeapSize uint32
	ConfValues   map[uint32]uint32
	FailSelfTest bool
	HostCursorX  uint32
	HostCursorY  uint32

	pending []region.Offset
}

// NewDevice creates a device with the given amount of simulated video memory.
func NewDevice(vramSize uint32) *Device {
	vram := make([]byte, vramSize)
	area, err := region.NewArea(vram, 0)
	if err != nil {
		panic(err)
	}

	return &Device{
		vram:         vram,
		area:         area,
		MonitorCount: 1,
		ConfValues:   map[uint32]uint32{},
	}
}

// VRAM exposes the simulated video memory.
func (d *Device) VRAM() []byte {
	return d.vram
}

// Area exposes the whole of video memory as an Area with base offset zero.
func (d *Device) Area() *region.Area {
	return d.area
}

var _ cmdchan.GuestPort = &Device{}
var _ cmdchan.HostPort = &Device{}

// SubmitBuffer executes the command buffer at the given header offset, writing
// any results back into the buffer before returning.
func (d *Device) SubmitBuffer(offset region.Offset) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Submitted = append(d.Submitted, offset)

	header, err := heap.ReadHeaderAt(d.area, offset)
	if err != nil {
		return
	}
	payload, err := d.area.Slice(offset+heap.HeaderSize, header.DataSize)
	if err != nil {
		return
	}

	switch {
	case header.Channel == cmdchan.ChannelSystem && header.Opcode == cmdchan.OpReportFlagsLocation:
		d.FlagsLocation = region.Offset(binary.LittleEndian.Uint32(payload[0:]))
		d.FlagsSize = binary.LittleEndian.Uint32(payload[4:])

	case header.Channel == cmdchan.ChannelDisplay && header.Opcode == cmdchan.OpQueryConf:
		d.execQueryConf(payload)

	case header.Channel == cmdchan.ChannelDisplay && header.Opcode == cmdchan.OpReportCaps:
		d.Caps = binary.LittleEndian.Uint32(payload[4:])
		binary.LittleEndian.PutUint32(payload[0:], uint32(int32(hgsm.Success)))

	case header.Channel == cmdchan.ChannelDisplay && header.Opcode == cmdchan.OpReportHostArea:
		d.HostAreaOffset = region.Offset(binary.LittleEndian.Uint32(payload[0:]))
		d.HostAreaSize = binary.LittleEndian.Uint32(payload[4:])

	case header.Channel == cmdchan.ChannelDisplay && header.Opcode == cmdchan.OpUpdatePointerShape:
		d.execPointerShape(payload)

	case header.Channel == cmdchan.ChannelDisplay && header.Opcode == cmdchan.OpCursorPosition:
		if binary.LittleEndian.Uint32(payload[0:]) != 0 {
			d.GuestCursorX = binary.LittleEndian.Uint32(payload[4:])
			d.GuestCursorY = binary.LittleEndian.Uint32(payload[8:])
		}
		binary.LittleEndian.PutUint32(payload[4:], d.HostCursorX)
		binary.LittleEndian.PutUint32(payload[8:], d.HostCursorY)

	case header.Channel == cmdchan.ChannelDisplay && header.Opcode == cmdchan.OpTransferCommand:
		d.execTransfer(payload)
	}
}

func (d *Device) execQueryConf(payload []byte) {
	index := binary.LittleEndian.Uint32(payload[0:])

	var value uint32
	switch index {
	case math.MaxUint32:
		// Transport probe: echo the index unless scripted to misbehave.
		if d.FailSelfTest {
			value = 0
		} else {
			value = math.MaxUint32
		}
	case cmdchan.ConfIndexMonitorCount:
		value = d.MonitorCount
	case cmdchan.ConfIndexHostHeapSize:
		value = d.HostHeapSize
	default:
		var ok bool
		value, ok = d.ConfValues[index]
		if !ok {
			// Unknown indexes keep the caller's default.
			return
		}
	}

	binary.LittleEndian.PutUint32(payload[4:], value)
}

func (d *Device) execPointerShape(payload []byte) {
	shape := PointerShape{
		Flags:  binary.LittleEndian.Uint32(payload[4:]),
		HotX:   binary.LittleEndian.Uint32(payload[8:]),
		HotY:   binary.LittleEndian.Uint32(payload[12:]),
		Width:  binary.LittleEndian.Uint32(payload[16:]),
		Height: binary.LittleEndian.Uint32(payload[20:]),
	}
	shape.Data = append(shape.Data, payload[24:]...)
	d.Shapes = append(d.Shapes, shape)

	binary.LittleEndian.PutUint32(payload[0:], uint32(int32(hgsm.Success)))
}

// execTransfer interprets the layered transfer command: a 32-byte reserved
// prefix, the outer descriptor, the typed command tag, and the inner transfer
// descriptor. The device writes its status into the outer descriptor.
func (d *Device) execTransfer(payload []byte) {
	if len(payload) < 32+72+8 {
		return
	}

	dr := payload[32:]
	status := func(rc hgsm.Result) {
		binary.LittleEndian.PutUint32(dr[4:], uint32(int32(rc)))
	}

	cmdType := binary.LittleEndian.Uint32(payload[104:])
	inner := payload[112:]

	switch cmdType {
	case 1: // present blit
		if len(inner) < 88 {
			status(hgsm.ErrorInvalidParameter)
			return
		}
		src := binary.LittleEndian.Uint64(inner[0:])
		dst := binary.LittleEndian.Uint64(inner[8:])
		srcHeight := binary.LittleEndian.Uint32(inner[20:])
		srcPitch := binary.LittleEndian.Uint32(inner[32:])
		size := uint64(srcHeight) * uint64(srcPitch)
		status(d.copyVRAM(dst, src, size))

	case 2: // block transfer
		if len(inner) < 24 {
			status(hgsm.ErrorInvalidParameter)
			return
		}
		size := binary.LittleEndian.Uint32(inner[0:])
		flags := binary.LittleEndian.Uint32(inner[4:])
		if flags != 3 {
			// Only offset-to-offset transfers are understood here.
			status(hgsm.ErrorNotImplemented)
			return
		}
		src := binary.LittleEndian.Uint64(inner[8:])
		dst := binary.LittleEndian.Uint64(inner[16:])
		status(d.copyVRAM(dst, src, uint64(size)))

	default:
		status(hgsm.ErrorNotImplemented)
	}
}

func (d *Device) copyVRAM(dst, src, size uint64) hgsm.Result {
	limit := uint64(len(d.vram))
	if src+size > limit || dst+size > limit {
		return hgsm.ErrorInvalidParameter
	}

	copy(d.vram[dst:dst+size], d.vram[src:src+size])
	return hgsm.Success
}

// QueueHostCommand places a buffer the device built in the host area onto the
// guest-visible queue and raises the pending flag.
func (d *Device) QueueHostCommand(headerOff region.Offset) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, headerOff)
	d.setPendingFlag(true)
}

// NextCommand dequeues the next host command, clearing the pending flag when
// the queue empties.
func (d *Device) NextCommand() region.Offset {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return region.OffsetVoid
	}

	next := d.pending[0]
	d.pending = d.pending[1:]
	if len(d.pending) == 0 {
		d.setPendingFlag(false)
	}

	return next
}

// CompleteCommand records the guest's acknowledgement of a host command.
func (d *Device) CompleteCommand(offset region.Offset) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Completed = append(d.Completed, offset)
}

// setPendingFlag updates the flags word the guest polls. The store is atomic
// because the guest reads the word atomically while the device mutates it.
func (d *Device) setPendingFlag(pending bool) {
	if d.FlagsLocation == 0 {
		return
	}

	index, ok := d.area.FromOffset(d.FlagsLocation)
	if !ok {
		return
	}

	word := (*uint32)(unsafe.Pointer(&d.vram[index]))
	flags := atomic.LoadUint32(word)
	if pending {
		flags |= cmdchan.HostFlagCommandsPending
	} else {
		flags &^= cmdchan.HostFlagCommandsPending
	}
	atomic.StoreUint32(word, flags)
}
