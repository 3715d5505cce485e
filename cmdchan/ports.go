package cmdchan

import "github.com/vmgfx/hgsm/region"

// GuestPort is the guest-to-device notification register. Writing a buffer
// header offset hands that buffer to the device; the device processes the
// command before the write returns, so any results are in shared memory by the
// time SubmitBuffer comes back.
type GuestPort interface {
	SubmitBuffer(offset region.Offset)
}

// HostPort is the device-to-guest side of the channel: the guest dequeues
// buffers the device has placed in the host area, and acknowledges each one
// once it has been handled.
type HostPort interface {
	// NextCommand returns the header offset of the next queued buffer, or
	// OffsetVoid when the queue is empty.
	NextCommand() region.Offset

	// CompleteCommand tells the device the buffer at the given header offset
	// has been fully handled and may be reused.
	CompleteCommand(offset region.Offset)
}
