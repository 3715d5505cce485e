package cmdchan_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/cmdchan"
	mock_cmdchan "github.com/vmgfx/hgsm/cmdchan/mocks"
	"github.com/vmgfx/hgsm/heap"
	"github.com/vmgfx/hgsm/internal/hgsmtest"
	"github.com/vmgfx/hgsm/region"
	"go.uber.org/mock/gomock"
)

const testVRAMSize uint32 = 1 << 20

// createTestChannel wires a guest context to a scripted device the way a real
// driver would: heap over the guest portion of the adapter information area
// at the top of video memory.
func createTestChannel(t testing.TB, device *hgsmtest.Device, vramSize uint32) (*cmdchan.GuestContext, cmdchan.BaseMappingInfo) {
	t.Helper()

	info, err := cmdchan.GetBaseMappingInfo(vramSize)
	require.NoError(t, err)

	heapMem := device.VRAM()[uint32(info.BaseOffset)+info.GuestHeapOffset : uint32(info.BaseOffset)+info.GuestHeapOffset+info.GuestHeapSize]
	area, err := region.NewArea(heapMem, info.BaseOffset+region.Offset(info.GuestHeapOffset))
	require.NoError(t, err)

	h, err := heap.New(area)
	require.NoError(t, err)

	guest, err := cmdchan.NewGuestContext(h, device)
	require.NoError(t, err)

	return guest, info
}

func TestGuestSubmitNotifiesHeaderOffset(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mem := make([]byte, 4096)
	area, err := region.NewArea(mem, 0x8000)
	require.NoError(t, err)
	h, err := heap.New(area)
	require.NoError(t, err)

	port := mock_cmdchan.NewMockGuestPort(ctrl)
	guest, err := cmdchan.NewGuestContext(h, port)
	require.NoError(t, err)

	dataOff, _, err := guest.Alloc(32, cmdchan.ChannelDisplay, cmdchan.OpQueryConf)
	require.NoError(t, err)

	port.EXPECT().SubmitBuffer(dataOff - heap.HeaderSize)

	require.NoError(t, guest.Submit(dataOff))
	require.Equal(t, uint64(1), guest.SubmitCount())
	require.NoError(t, guest.Free(dataOff))
}

func TestGuestSubmitRejectsUnknownOffset(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mem := make([]byte, 4096)
	area, err := region.NewArea(mem, 0)
	require.NoError(t, err)
	h, err := heap.New(area)
	require.NoError(t, err)

	// No SubmitBuffer expectation: the port must stay untouched.
	port := mock_cmdchan.NewMockGuestPort(ctrl)
	guest, err := cmdchan.NewGuestContext(h, port)
	require.NoError(t, err)

	err = guest.Submit(0x4444)
	require.ErrorIs(t, err, hgsm.ErrInvalidParameter)
	require.Equal(t, uint64(0), guest.SubmitCount())
}

func TestGuestContextRequiresCollaborators(t *testing.T) {
	mem := make([]byte, 4096)
	area, err := region.NewArea(mem, 0)
	require.NoError(t, err)
	h, err := heap.New(area)
	require.NoError(t, err)

	_, err = cmdchan.NewGuestContext(nil, hgsmtest.NewDevice(4096))
	require.Error(t, err)

	_, err = cmdchan.NewGuestContext(h, nil)
	require.Error(t, err)
}

func TestGuestBuffersFreedAfterCatalogCalls(t *testing.T) {
	device := hgsmtest.NewDevice(testVRAMSize)
	guest, _ := createTestChannel(t, device, testVRAMSize)

	require.NoError(t, guest.ReportFlagsLocation(0x1000))
	require.NoError(t, guest.ReportCapabilities(0x5))
	_, err := guest.QueryMonitorCount()
	require.NoError(t, err)

	require.True(t, guest.Heap().IsEmpty())
	require.NoError(t, guest.Heap().Validate())
}
