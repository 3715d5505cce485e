package cmdchan

import (
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/heap"
	"github.com/vmgfx/hgsm/region"
	"golang.org/x/exp/slog"
)

// GuestContext owns the guest-to-device direction of the channel: a command
// heap and the notification port. All commands the guest sends go through it.
type GuestContext struct {
	heap   *heap.Heap
	port   GuestPort
	logger *slog.Logger

	// submitCount is bumped with release ordering before every port write so
	// that payload stores are visible to the device when the notification
	// lands.
	submitCount atomic.Uint64

	confTested atomic.Bool
}

// GuestOption adjusts guest context construction.
type GuestOption func(g *GuestContext)

// WithGuestLogger attaches a logger used for method-entry debug traces.
func WithGuestLogger(logger *slog.Logger) GuestOption {
	return func(g *GuestContext) {
		g.logger = logger
	}
}

// NewGuestContext builds a GuestContext over an existing command heap and a
// notification port.
func NewGuestContext(h *heap.Heap, port GuestPort, options ...GuestOption) (*GuestContext, error) {
	if h == nil {
		return nil, errors.New("a guest context requires a command heap")
	}
	if port == nil {
		return nil, errors.New("a guest context requires a notification port")
	}

	g := &GuestContext{
		heap: h,
		port: port,
	}
	for _, o := range options {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return g, nil
}

// Heap exposes the command heap backing this context.
func (g *GuestContext) Heap() *heap.Heap {
	return g.heap
}

// Alloc carves a command buffer out of the heap. The returned offset
// identifies the buffer in Submit and Free calls; the byte slice is the
// payload to populate before submission.
func (g *GuestContext) Alloc(size uint32, channel byte, opcode uint16) (region.Offset, []byte, error) {
	g.logger.Debug("GuestContext::Alloc")

	return g.heap.Alloc(size, channel, opcode)
}

// Free returns a command buffer to the heap.
func (g *GuestContext) Free(dataOff region.Offset) error {
	g.logger.Debug("GuestContext::Free")

	return g.heap.Free(dataOff)
}

// Submit hands a buffer to the device. The transport is synchronous: when
// Submit returns, the device has processed the command and any results it
// produces are in the buffer's payload. The buffer remains owned by the guest
// and must still be freed.
func (g *GuestContext) Submit(dataOff region.Offset) error {
	g.logger.Debug("GuestContext::Submit")

	offBuffer := g.heap.OffsetOf(dataOff)
	if offBuffer == region.OffsetVoid {
		return errors.Wrapf(hgsm.ErrInvalidParameter, "offset 0x%08x is not a live command buffer", uint32(dataOff))
	}

	// Publish all payload stores before the device sees the notification.
	g.submitCount.Add(1)
	g.port.SubmitBuffer(offBuffer)

	return nil
}

// SubmitCount returns the number of notifications sent so far.
func (g *GuestContext) SubmitCount() uint64 {
	return g.submitCount.Load()
}
