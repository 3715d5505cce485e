package cmdchan

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/region"
	"golang.org/x/exp/slog"
)

const (
	flagsLocationSize uint32 = 8
	capsInfoSize      uint32 = 8
	hostAreaInfoSize  uint32 = 8
	confQuerySize     uint32 = 8
	pointerShapeSize  uint32 = 24
	cursorPosSize     uint32 = 12
)

// freeAndReturn releases a command buffer while preserving the primary error
// of the operation. Every builder frees its buffer on every exit path.
func (g *GuestContext) freeAndReturn(dataOff region.Offset, err error) error {
	if freeErr := g.Free(dataOff); freeErr != nil && err == nil {
		err = freeErr
	}
	return err
}

// ReportFlagsLocation tells the device where in video memory it should keep
// its flags record.
func (g *GuestContext) ReportFlagsLocation(offLocation region.Offset) error {
	g.logger.Debug("GuestContext::ReportFlagsLocation")

	dataOff, payload, err := g.Alloc(flagsLocationSize, ChannelSystem, OpReportFlagsLocation)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(payload[0:], uint32(offLocation))
	binary.LittleEndian.PutUint32(payload[4:], HostFlagsSize)

	return g.freeAndReturn(dataOff, g.Submit(dataOff))
}

// ReportCapabilities announces the guest's capability flags to the device.
// The device overwrites the buffer's status field; a device that does not
// understand the command leaves the preset NotImplemented status in place.
func (g *GuestContext) ReportCapabilities(caps uint32) error {
	g.logger.Debug("GuestContext::ReportCapabilities")

	dataOff, payload, err := g.Alloc(capsInfoSize, ChannelDisplay, OpReportCaps)
	if err != nil {
		return err
	}

	presetRC := int32(hgsm.ErrorNotImplemented)
	binary.LittleEndian.PutUint32(payload[0:], uint32(presetRC))
	binary.LittleEndian.PutUint32(payload[4:], caps)

	err = g.Submit(dataOff)
	if err == nil {
		rc := hgsm.Result(int32(binary.LittleEndian.Uint32(payload[0:])))
		err = rc.Err()
	}

	return g.freeAndReturn(dataOff, err)
}

// ReportHostArea tells the device which span of video memory it may use as
// its own allocation area.
func (g *GuestContext) ReportHostArea(offArea region.Offset, size uint32) error {
	g.logger.Debug("GuestContext::ReportHostArea")

	dataOff, payload, err := g.Alloc(hostAreaInfoSize, ChannelDisplay, OpReportHostArea)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(payload[0:], uint32(offArea))
	binary.LittleEndian.PutUint32(payload[4:], size)

	return g.freeAndReturn(dataOff, g.Submit(dataOff))
}

// queryConf performs one configuration query without the transport probe.
func (g *GuestContext) queryConf(index uint32, defValue uint32) (uint32, error) {
	dataOff, payload, err := g.Alloc(confQuerySize, ChannelDisplay, OpQueryConf)
	if err != nil {
		return 0, err
	}

	binary.LittleEndian.PutUint32(payload[0:], index)
	binary.LittleEndian.PutUint32(payload[4:], defValue)

	var value uint32
	err = g.Submit(dataOff)
	if err == nil {
		value = binary.LittleEndian.Uint32(payload[4:])
	}

	return value, g.freeAndReturn(dataOff, err)
}

// testQueryConf probes the configuration transport once per context: the
// reserved index must be echoed back as its own value. The probe flag is set
// before the query so the probe's own query does not recurse, and reset on
// failure so a later call retries.
func (g *GuestContext) testQueryConf() error {
	if !g.confTested.CompareAndSwap(false, true) {
		return nil
	}

	value, err := g.queryConf(confIndexSelfTest, math.MaxUint32)
	if err == nil && value == math.MaxUint32 {
		return nil
	}

	g.confTested.Store(false)
	if err != nil {
		return err
	}

	return errors.Wrap(hgsm.ErrInternal, "the configuration transport echoed the wrong probe value")
}

// QueryConfDef asks the device for a configuration value, with defValue
// returned when the device does not recognize the index.
func (g *GuestContext) QueryConfDef(index uint32, defValue uint32) (uint32, error) {
	g.logger.Debug("GuestContext::QueryConfDef", slog.Uint64("Index", uint64(index)))

	if err := g.testQueryConf(); err != nil {
		return 0, err
	}

	return g.queryConf(index, defValue)
}

// QueryConf asks the device for a configuration value.
func (g *GuestContext) QueryConf(index uint32) (uint32, error) {
	return g.QueryConfDef(index, math.MaxUint32)
}

// QueryMonitorCount returns the number of monitors the device exposes.
func (g *GuestContext) QueryMonitorCount() (uint32, error) {
	return g.QueryConf(ConfIndexMonitorCount)
}

// QueryHostHeapSize returns the device's preferred host area size in bytes.
func (g *GuestContext) QueryHostHeapSize() (uint32, error) {
	return g.QueryConf(ConfIndexHostHeapSize)
}

// UpdatePointerShape hands the device a new cursor shape. When PointerShape
// is set, pixels must hold the AND mask followed by the XOR data for the given
// dimensions, and the cursor is forced visible. Without PointerShape the call
// only changes visibility.
func (g *GuestContext) UpdatePointerShape(flags uint32, hotX, hotY, width, height uint32, pixels []byte) error {
	g.logger.Debug("GuestContext::UpdatePointerShape",
		slog.Uint64("Width", uint64(width)), slog.Uint64("Height", uint64(height)))

	var cbData uint32
	if flags&PointerShape != 0 {
		// AND mask rows are byte-aligned and the mask is padded to a
		// 4-byte boundary; the XOR data is 32bpp.
		cbData = ((((width+7)/8)*height + 3) &^ 3) + width*4*height
		flags |= PointerVisible
	}
	if uint64(cbData) > uint64(len(pixels)) {
		return errors.Wrapf(hgsm.ErrInvalidParameter,
			"pointer shape needs %d bytes of data, only %d supplied", cbData, len(pixels))
	}

	dataOff, payload, err := g.Alloc(pointerShapeSize+cbData, ChannelDisplay, OpUpdatePointerShape)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(payload[0:], uint32(int32(hgsm.Success)))
	binary.LittleEndian.PutUint32(payload[4:], flags)
	binary.LittleEndian.PutUint32(payload[8:], hotX)
	binary.LittleEndian.PutUint32(payload[12:], hotY)
	binary.LittleEndian.PutUint32(payload[16:], width)
	binary.LittleEndian.PutUint32(payload[20:], height)
	if flags&PointerShape != 0 {
		copy(payload[pointerShapeSize:], pixels[:cbData])
	}

	err = g.Submit(dataOff)
	if err == nil {
		rc := hgsm.Result(int32(binary.LittleEndian.Uint32(payload[0:])))
		err = rc.Err()
	}

	return g.freeAndReturn(dataOff, err)
}

// CursorPosition optionally reports the guest cursor position and returns the
// device's own cursor position.
func (g *GuestContext) CursorPosition(reportPosition bool, x, y uint32) (hostX, hostY uint32, err error) {
	g.logger.Debug("GuestContext::CursorPosition",
		slog.Uint64("X", uint64(x)), slog.Uint64("Y", uint64(y)))

	dataOff, payload, err := g.Alloc(cursorPosSize, ChannelDisplay, OpCursorPosition)
	if err != nil {
		return 0, 0, err
	}

	var report uint32
	if reportPosition {
		report = 1
	}
	binary.LittleEndian.PutUint32(payload[0:], report)
	binary.LittleEndian.PutUint32(payload[4:], x)
	binary.LittleEndian.PutUint32(payload[8:], y)

	err = g.Submit(dataOff)
	if err == nil {
		hostX = binary.LittleEndian.Uint32(payload[4:])
		hostY = binary.LittleEndian.Uint32(payload[8:])
	}

	return hostX, hostY, g.freeAndReturn(dataOff, err)
}
