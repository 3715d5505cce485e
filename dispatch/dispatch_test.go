package dispatch_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/cmdchan"
	"github.com/vmgfx/hgsm/dispatch"
	"github.com/vmgfx/hgsm/heap"
	"github.com/vmgfx/hgsm/internal/hgsmtest"
	"github.com/vmgfx/hgsm/region"
	"github.com/vmgfx/hgsm/vdma"
)

const testVRAMSize uint32 = 1 << 20

func createTestDispatcher(t testing.TB, device *hgsmtest.Device) (*dispatch.Dispatcher, *cmdchan.GuestContext) {
	t.Helper()

	info, err := cmdchan.GetBaseMappingInfo(testVRAMSize)
	require.NoError(t, err)

	heapMem := device.VRAM()[uint32(info.BaseOffset) : uint32(info.BaseOffset)+info.GuestHeapSize]
	area, err := region.NewArea(heapMem, info.BaseOffset)
	require.NoError(t, err)

	h, err := heap.New(area)
	require.NoError(t, err)

	guest, err := cmdchan.NewGuestContext(h, device)
	require.NoError(t, err)

	encoder, err := vdma.NewEncoder(guest, testVRAMSize)
	require.NoError(t, err)

	dispatcher, err := dispatch.NewDispatcher(guest, encoder, testVRAMSize)
	require.NoError(t, err)

	return dispatcher, guest
}

func TestBlitRequestsRoundTrip(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, guest := createTestDispatcher(t, device)

	payload := []byte("framebuffer bytes")
	out, err := dispatcher.Handle(&dispatch.Request{
		Type:   dispatch.RequestWriteBlit,
		Size:   uint32(len(payload)),
		Offset: 0x4000,
		Data:   payload,
	})
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = dispatcher.Handle(&dispatch.Request{
		Type:   dispatch.RequestReadBlit,
		Size:   uint32(len(payload)),
		Offset: 0x4000,
	})
	require.NoError(t, err)
	require.Equal(t, payload, out)

	require.True(t, guest.Heap().IsEmpty())
}

func TestBlockRequestsRoundTrip(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	echo, err := dispatcher.Handle(&dispatch.Request{
		Type:   dispatch.RequestWriteBlock,
		Size:   uint32(len(payload)),
		Offset: 0x6000,
		Data:   payload,
	})
	require.NoError(t, err)
	require.Equal(t, payload, echo)

	out, err := dispatcher.Handle(&dispatch.Request{
		Type:   dispatch.RequestReadBlock,
		Size:   uint32(len(payload)),
		Offset: 0x6000,
	})
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestRegionSizeRequest(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	out, err := dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRegionSize})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, testVRAMSize, binary.LittleEndian.Uint32(out))
}

func TestRawCommandRequest(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:], 0xE0000)
	binary.LittleEndian.PutUint32(body[4:], 0x8000)

	out, err := dispatcher.Handle(&dispatch.Request{
		Type:   dispatch.RequestRawCommand,
		Size:   uint32(len(body)),
		Offset: uint64(cmdchan.OpReportHostArea),
		Data:   body,
	})
	require.NoError(t, err)
	require.Nil(t, out)

	require.Equal(t, region.Offset(0xE0000), device.HostAreaOffset)
	require.Equal(t, uint32(0x8000), device.HostAreaSize)
}

func TestRawBufferLifecycle(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, guest := createTestDispatcher(t, device)

	out, err := dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRawAlloc, Size: 32})
	require.NoError(t, err)
	require.Len(t, out, 8)
	dataOff := binary.LittleEndian.Uint64(out)
	require.NotEqual(t, uint64(math.MaxUint64), dataOff)

	out, err = dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRawSubmit, Offset: dataOff})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, hgsm.Success, hgsm.Result(int32(binary.LittleEndian.Uint32(out))))
	require.Len(t, device.Submitted, 1)

	out, err = dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRawFree, Offset: dataOff})
	require.NoError(t, err)
	require.Nil(t, out)
	require.True(t, guest.Heap().IsEmpty())
}

func TestRawAllocReportsFailureInBand(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	// Larger than the whole guest heap.
	out, err := dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRawAlloc, Size: testVRAMSize})
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), binary.LittleEndian.Uint64(out))
}

func TestRawSubmitReportsStatusInBand(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	out, err := dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRawSubmit, Offset: 0x4444})
	require.NoError(t, err)
	require.Equal(t, hgsm.ErrorInvalidParameter, hgsm.Result(int32(binary.LittleEndian.Uint32(out))))
	require.Empty(t, device.Submitted)
}

func TestRawFreeRejectsForeignOffset(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	_, err := dispatcher.Handle(&dispatch.Request{Type: dispatch.RequestRawFree, Offset: 0x4444})
	require.ErrorIs(t, err, hgsm.ErrInvalidParameter)
}

func TestUnknownRequestType(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	_, err := dispatcher.Handle(&dispatch.Request{Type: 99})
	require.ErrorIs(t, err, hgsm.ErrInvalidParameter)
}

func TestRequestDataShorterThanSize(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	dispatcher, _ := createTestDispatcher(t, device)

	_, err := dispatcher.Handle(&dispatch.Request{
		Type:   dispatch.RequestWriteBlit,
		Size:   16,
		Offset: 0x4000,
		Data:   []byte{1, 2, 3, 4},
	})
	require.ErrorIs(t, err, hgsm.ErrInvalidParameter)
	require.Empty(t, device.Submitted)
}

func TestRequestWireForm(t *testing.T) {
	req := &dispatch.Request{
		Type:   dispatch.RequestWriteBlock,
		Size:   3,
		Offset: 0xABCD0000,
		Data:   []byte{7, 8, 9},
	}

	decoded, err := dispatch.DecodeRequest(dispatch.EncodeRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	_, err = dispatch.DecodeRequest(make([]byte, dispatch.HeaderSize-1))
	require.ErrorIs(t, err, hgsm.ErrInvalidParameter)
}
