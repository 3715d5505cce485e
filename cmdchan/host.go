package cmdchan

import (
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/heap"
	"github.com/vmgfx/hgsm/region"
	"golang.org/x/exp/slog"
)

// HostFlags is a read-only view of the device flags record in shared memory.
// The device updates the flags word concurrently with guest execution, so the
// guest reads it with an atomic load and never writes it.
type HostFlags struct {
	word *uint32
}

// NewHostFlags binds a view to the flags record. mem must be at least
// HostFlagsSize bytes and 4-byte aligned, which holds for any record placed at
// an aligned offset of an aligned mapping.
func NewHostFlags(mem []byte) (*HostFlags, error) {
	if uint32(len(mem)) < HostFlagsSize {
		return nil, errors.Newf("the flags record requires %d bytes, only %d provided", HostFlagsSize, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, errors.New("the flags record must be 4-byte aligned")
	}

	return &HostFlags{
		word: (*uint32)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Raw returns the current flags word.
func (f *HostFlags) Raw() uint32 {
	return atomic.LoadUint32(f.word)
}

// CommandsPending reports whether the device has buffers queued for the guest.
func (f *HostFlags) CommandsPending() bool {
	return f.Raw()&HostFlagCommandsPending != 0
}

// ChannelHandler consumes one device-to-guest command. payload is the buffer's
// data as placed by the device in the host area, and dataOff is its offset
// within video memory. A handler that returns nil takes over responsibility
// for completing the buffer by passing dataOff to Complete; on error the
// context completes the buffer immediately on the handler's behalf.
type ChannelHandler func(ctx *HostContext, dataOff region.Offset, opcode uint16, payload []byte) error

// HostContext owns the device-to-guest direction of the channel: the host
// area the device allocates its buffers from, the flags record announcing
// pending work, and the registry of per-channel handlers.
type HostContext struct {
	area   *region.Area
	flags  *HostFlags
	port   HostPort
	logger *slog.Logger

	// processing is the drain guard. A caller that loses the race is turned
	// away rather than queued; the winner keeps draining while commands are
	// pending.
	processing atomic.Bool

	handlerMutex sync.RWMutex
	handlers     map[byte]ChannelHandler
}

// HostOption adjusts host context construction.
type HostOption func(h *HostContext)

// WithHostLogger attaches a logger used for method-entry debug traces.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *HostContext) {
		h.logger = logger
	}
}

// NewHostContext builds a HostContext over the mapped host area, the flags
// record view, and the dequeue port.
func NewHostContext(area *region.Area, flags *HostFlags, port HostPort, options ...HostOption) (*HostContext, error) {
	if area == nil {
		return nil, errors.New("a host context requires the host area")
	}
	if flags == nil {
		return nil, errors.New("a host context requires a flags view")
	}
	if port == nil {
		return nil, errors.New("a host context requires a dequeue port")
	}

	h := &HostContext{
		area:     area,
		flags:    flags,
		port:     port,
		handlers: make(map[byte]ChannelHandler),
	}
	for _, o := range options {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return h, nil
}

// RegisterChannel installs the handler for one channel. Registering a channel
// twice is rejected.
func (h *HostContext) RegisterChannel(channel byte, handler ChannelHandler) error {
	if handler == nil {
		return errors.Wrap(hgsm.ErrInvalidParameter, "a channel handler may not be nil")
	}

	h.handlerMutex.Lock()
	defer h.handlerMutex.Unlock()

	if _, ok := h.handlers[channel]; ok {
		return errors.Wrapf(hgsm.ErrInvalidParameter, "channel %d already has a handler", channel)
	}
	h.handlers[channel] = handler

	return nil
}

// Complete acknowledges a device buffer identified by its data offset. It is
// called by channel handlers once they have finished with a command.
func (h *HostContext) Complete(dataOff region.Offset) error {
	h.logger.Debug("HostContext::Complete")

	offBuffer := dataOff - heap.HeaderSize
	if _, ok := h.area.FromOffset(offBuffer); !ok {
		return errors.Wrapf(hgsm.ErrInvalidParameter, "offset 0x%08x does not identify a buffer in the host area", uint32(dataOff))
	}

	h.port.CompleteCommand(offBuffer)
	return nil
}

// ProcessPending drains the device's command queue. It is safe to call from
// concurrent notification paths: one caller wins the drain guard and loops
// while the pending flag stays set, the rest return immediately. The return
// value reports whether this call processed anything.
func (h *HostContext) ProcessPending() bool {
	processed := false

	for h.flags.CommandsPending() {
		if !h.processing.CompareAndSwap(false, true) {
			return processed
		}
		more := h.processNext()
		h.processing.Store(false)

		if !more {
			break
		}
		processed = true
	}

	return processed
}

// processNext dequeues and dispatches one buffer. It returns false when the
// queue turned out to be empty.
func (h *HostContext) processNext() bool {
	offBuffer := h.port.NextCommand()
	if offBuffer == region.OffsetVoid {
		return false
	}

	h.dispatch(offBuffer)
	return true
}

// dispatch routes one buffer to its channel handler. A buffer that cannot be
// resolved to a handler, or whose handler fails, is completed immediately so
// the device can reclaim it; a buffer the handler accepts is completed by the
// handler.
func (h *HostContext) dispatch(offBuffer region.Offset) {
	header, err := heap.ReadHeaderAt(h.area, offBuffer)
	if err != nil {
		h.logger.Error("HostContext::dispatch received an invalid buffer offset",
			slog.Uint64("Offset", uint64(offBuffer)))
		h.port.CompleteCommand(offBuffer)
		return
	}

	payload, err := h.area.Slice(offBuffer+heap.HeaderSize, header.DataSize)
	if err != nil {
		h.logger.Error("HostContext::dispatch received a buffer with an out-of-range size",
			slog.Uint64("Offset", uint64(offBuffer)),
			slog.Uint64("Size", uint64(header.DataSize)))
		h.port.CompleteCommand(offBuffer)
		return
	}

	h.handlerMutex.RLock()
	handler, ok := h.handlers[header.Channel]
	h.handlerMutex.RUnlock()

	if !ok {
		h.logger.Debug("HostContext::dispatch has no handler for channel",
			slog.Int("Channel", int(header.Channel)))
		h.port.CompleteCommand(offBuffer)
		return
	}

	if err = handler(h, offBuffer+heap.HeaderSize, header.Opcode, payload); err != nil {
		h.logger.Error("HostContext::dispatch handler failed",
			slog.Int("Channel", int(header.Channel)),
			slog.Int("Opcode", int(header.Opcode)),
			slog.String("Error", err.Error()))
		h.port.CompleteCommand(offBuffer)
	}
}
