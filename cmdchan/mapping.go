package cmdchan

import (
	"github.com/cockroachdb/errors"
	"github.com/vmgfx/hgsm/region"
	"golang.org/x/exp/slog"
)

// BaseMappingInfo describes where the basic communication structures live
// within video memory: the adapter information area at the top of VRAM holds
// the guest heap backing memory with the device flags record at its end.
type BaseMappingInfo struct {
	// BaseOffset is the offset of the adapter information area in VRAM.
	BaseOffset region.Offset
	// MappingSize is the size of the adapter information area.
	MappingSize uint32
	// GuestHeapOffset is the offset of the guest heap backing memory within
	// the mapped area.
	GuestHeapOffset uint32
	// GuestHeapSize is the size of the guest heap backing memory.
	GuestHeapSize uint32
	// HostFlagsOffset is the offset of the device flags record within the
	// mapped area.
	HostFlagsOffset uint32
}

// GetBaseMappingInfo computes the layout of the basic communication
// structures for a device with cbVRAM bytes of video memory.
func GetBaseMappingInfo(cbVRAM uint32) (BaseMappingInfo, error) {
	if cbVRAM < AdapterInformationSize {
		return BaseMappingInfo{}, errors.Newf("%d bytes of video memory cannot hold the %d-byte adapter information area", cbVRAM, AdapterInformationSize)
	}

	return BaseMappingInfo{
		BaseOffset:      region.Offset(cbVRAM - AdapterInformationSize),
		MappingSize:     AdapterInformationSize,
		GuestHeapOffset: 0,
		GuestHeapSize:   AdapterInformationSize - HostFlagsSize,
		HostFlagsOffset: AdapterInformationSize - HostFlagsSize,
	}, nil
}

// HostAreaMappingInfo describes the span of video memory set aside for the
// device's own allocations.
type HostAreaMappingInfo struct {
	AreaOffset region.Offset
	AreaSize   uint32
}

// GetHostAreaMapping negotiates the host area: the device's preferred size is
// queried over the channel, capped at a quarter of video memory less the
// adapter information area, rounded up to a whole number of 4096-byte pages,
// and placed directly below the adapter information area. A device that asks
// for nothing gets an empty area.
func (g *GuestContext) GetHostAreaMapping(cbVRAM uint32, baseOffset region.Offset) (HostAreaMappingInfo, error) {
	g.logger.Debug("GuestContext::GetHostAreaMapping")

	cbHostArea, err := g.QueryHostHeapSize()
	if err != nil {
		return HostAreaMappingInfo{}, err
	}

	offVRAMHostArea := baseOffset
	if cbHostArea != 0 {
		cbHostAreaMaxSize := cbVRAM / 4
		if cbHostAreaMaxSize >= AdapterInformationSize {
			cbHostAreaMaxSize -= AdapterInformationSize
		}
		if cbHostArea > cbHostAreaMaxSize {
			cbHostArea = cbHostAreaMaxSize
		}
		cbHostArea = (cbHostArea + 0xFFF) &^ 0xFFF
		offVRAMHostArea = baseOffset - region.Offset(cbHostArea)
	}

	g.logger.Debug("GuestContext::GetHostAreaMapping negotiated",
		slog.Uint64("Offset", uint64(offVRAMHostArea)),
		slog.Uint64("Size", uint64(cbHostArea)))

	return HostAreaMappingInfo{
		AreaOffset: offVRAMHostArea,
		AreaSize:   cbHostArea,
	}, nil
}

// SendHostInfo performs the full channel setup handshake: the flags location
// goes first so the flags are initialized by the time the host area goes
// live, then the capability flags if there are any, then the host area
// itself.
func (g *GuestContext) SendHostInfo(offFlagsLocation region.Offset, caps uint32, offHostArea region.Offset, cbHostArea uint32) error {
	g.logger.Debug("GuestContext::SendHostInfo")

	if err := g.ReportFlagsLocation(offFlagsLocation); err != nil {
		return err
	}
	if caps != 0 {
		if err := g.ReportCapabilities(caps); err != nil {
			return err
		}
	}

	return g.ReportHostArea(offHostArea, cbHostArea)
}
