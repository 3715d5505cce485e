package cmdchan_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/cmdchan"
	"github.com/vmgfx/hgsm/internal/hgsmtest"
	"github.com/vmgfx/hgsm/region"
)

func TestReportFlagsLocation(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, info := createTestChannel(t, device, testVRAMSize)

	flagsOff := info.BaseOffset + region.Offset(info.HostFlagsOffset)
	require.NoError(t, guest.ReportFlagsLocation(flagsOff))

	require.Equal(t, flagsOff, device.FlagsLocation)
	require.Equal(t, cmdchan.HostFlagsSize, device.FlagsSize)
}

func TestReportCapabilities(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	require.NoError(t, guest.ReportCapabilities(0x0000000A))
	require.Equal(t, uint32(0x0000000A), device.Caps)
}

func TestReportHostArea(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	require.NoError(t, guest.ReportHostArea(0xE0000, 0x8000))
	require.Equal(t, region.Offset(0xE0000), device.HostAreaOffset)
	require.Equal(t, uint32(0x8000), device.HostAreaSize)
}

func TestQueryConfRunsSelfTestOnce(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)
	device.MonitorCount = 3

	count, err := guest.QueryMonitorCount()
	require.NoError(t, err)
	require.Equal(t, uint32(3), count)

	// Probe plus query on first use.
	require.Equal(t, uint64(2), guest.SubmitCount())

	_, err = guest.QueryHostHeapSize()
	require.NoError(t, err)

	// Only the query itself afterwards.
	require.Equal(t, uint64(3), guest.SubmitCount())
}

func TestQueryConfSelfTestFailureIsRetried(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)
	device.FailSelfTest = true

	_, err := guest.QueryMonitorCount()
	require.ErrorIs(t, err, hgsm.ErrInternal)

	// A healthy transport on the next call passes the probe again.
	device.FailSelfTest = false
	_, err = guest.QueryMonitorCount()
	require.NoError(t, err)
}

func TestQueryConfUnknownIndexKeepsDefault(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	value, err := guest.QueryConfDef(77, 0xCAFE)
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFE), value)
}

func TestUpdatePointerShape(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	const width, height = 8, 8
	// Byte-aligned AND mask padded to 4 bytes, then 32bpp XOR data.
	maskSize := (((width+7)/8)*height + 3) &^ 3
	pixels := make([]byte, maskSize+width*4*height)
	for i := range pixels {
		pixels[i] = byte(i)
	}

	err := guest.UpdatePointerShape(cmdchan.PointerShape|cmdchan.PointerAlpha, 2, 3, width, height, pixels)
	require.NoError(t, err)

	require.Len(t, device.Shapes, 1)
	shape := device.Shapes[0]
	require.Equal(t, uint32(width), shape.Width)
	require.Equal(t, uint32(height), shape.Height)
	require.Equal(t, uint32(2), shape.HotX)
	require.Equal(t, uint32(3), shape.HotY)
	require.Equal(t, pixels, shape.Data)

	// Supplying a shape forces the cursor visible.
	require.NotZero(t, shape.Flags&cmdchan.PointerVisible)
}

func TestUpdatePointerShapeRejectsShortData(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	err := guest.UpdatePointerShape(cmdchan.PointerShape, 0, 0, 32, 32, make([]byte, 16))
	require.ErrorIs(t, err, hgsm.ErrInvalidParameter)
	require.Empty(t, device.Shapes)
}

func TestUpdatePointerShapeVisibilityOnly(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	require.NoError(t, guest.UpdatePointerShape(cmdchan.PointerVisible, 0, 0, 0, 0, nil))
	require.Len(t, device.Shapes, 1)
	require.Empty(t, device.Shapes[0].Data)
}

func TestCursorPositionExchange(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)
	device.HostCursorX = 640
	device.HostCursorY = 400

	hostX, hostY, err := guest.CursorPosition(true, 100, 200)
	require.NoError(t, err)
	require.Equal(t, uint32(640), hostX)
	require.Equal(t, uint32(400), hostY)
	require.Equal(t, uint32(100), device.GuestCursorX)
	require.Equal(t, uint32(200), device.GuestCursorY)
}

func TestGetBaseMappingInfo(t *testing.T) {
	info, err := cmdchan.GetBaseMappingInfo(testVRAMSize)
	require.NoError(t, err)

	require.Equal(t, region.Offset(testVRAMSize-cmdchan.AdapterInformationSize), info.BaseOffset)
	require.Equal(t, cmdchan.AdapterInformationSize, info.MappingSize)
	require.Equal(t, uint32(0), info.GuestHeapOffset)
	require.Equal(t, cmdchan.AdapterInformationSize-cmdchan.HostFlagsSize, info.GuestHeapSize)
	require.Equal(t, cmdchan.AdapterInformationSize-cmdchan.HostFlagsSize, info.HostFlagsOffset)

	_, err = cmdchan.GetBaseMappingInfo(cmdchan.AdapterInformationSize / 2)
	require.Error(t, err)
}

func TestGetHostAreaMapping(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, info := createTestChannel(t, device, testVRAMSize)
	device.HostHeapSize = 0x8000

	mapping, err := guest.GetHostAreaMapping(testVRAMSize, info.BaseOffset)
	require.NoError(t, err)
	require.Equal(t, uint32(0x8000), mapping.AreaSize)
	require.Equal(t, info.BaseOffset-0x8000, mapping.AreaOffset)
}

func TestGetHostAreaMappingCapsAndRounds(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, info := createTestChannel(t, device, testVRAMSize)

	// Far more than a quarter of VRAM: capped, then page-rounded.
	device.HostHeapSize = testVRAMSize
	capped := testVRAMSize/4 - cmdchan.AdapterInformationSize

	mapping, err := guest.GetHostAreaMapping(testVRAMSize, info.BaseOffset)
	require.NoError(t, err)
	require.Equal(t, (capped+0xFFF)&^uint32(0xFFF), mapping.AreaSize)
	require.Equal(t, info.BaseOffset-region.Offset(mapping.AreaSize), mapping.AreaOffset)

	// An odd size is rounded up to a whole page.
	device.HostHeapSize = 0x1001
	mapping, err = guest.GetHostAreaMapping(testVRAMSize, info.BaseOffset)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2000), mapping.AreaSize)
}

func TestGetHostAreaMappingEmpty(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, info := createTestChannel(t, device, testVRAMSize)
	device.HostHeapSize = 0

	mapping, err := guest.GetHostAreaMapping(testVRAMSize, info.BaseOffset)
	require.NoError(t, err)
	require.Equal(t, uint32(0), mapping.AreaSize)
	require.Equal(t, info.BaseOffset, mapping.AreaOffset)
}

func TestSendHostInfo(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, info := createTestChannel(t, device, testVRAMSize)

	flagsOff := info.BaseOffset + region.Offset(info.HostFlagsOffset)
	require.NoError(t, guest.SendHostInfo(flagsOff, 0x3, 0xD0000, 0x10000))

	require.Equal(t, flagsOff, device.FlagsLocation)
	require.Equal(t, uint32(0x3), device.Caps)
	require.Equal(t, region.Offset(0xD0000), device.HostAreaOffset)
	require.Equal(t, uint32(0x10000), device.HostAreaSize)
}

func TestSendHostInfoSkipsZeroCaps(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, info := createTestChannel(t, device, testVRAMSize)

	flagsOff := info.BaseOffset + region.Offset(info.HostFlagsOffset)
	require.NoError(t, guest.SendHostInfo(flagsOff, 0, 0xD0000, 0x10000))
	require.Equal(t, uint32(0), device.Caps)

	// Flags location, host area: no capability report in between.
	require.Equal(t, uint64(2), guest.SubmitCount())
}
