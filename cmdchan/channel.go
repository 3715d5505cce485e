// Package cmdchan implements the guest side of the shared-memory command
// channel between a VM driver and the virtual display device. Commands travel
// as buffers in a heap carved out of video memory: the guest allocates a
// buffer, fills in the command payload, and notifies the device with the
// buffer's offset. The device processes the command synchronously during the
// notification and may write results back into the same buffer, so the
// allocate, populate, submit, inspect, free sequence is the idiom for every
// command in the catalog.
package cmdchan

import "math"

// Channel identifiers carried in every buffer header. The device routes a
// submitted buffer to the subsystem owning its channel.
const (
	// ChannelSystem carries channel-setup commands interpreted by the
	// transport itself.
	ChannelSystem byte = 0
	// ChannelDisplay carries display and transfer commands.
	ChannelDisplay byte = 2
)

// Operation codes on ChannelSystem.
const (
	// OpReportFlagsLocation tells the device where in video memory it should
	// maintain its flags record.
	OpReportFlagsLocation uint16 = 1
)

// Operation codes on ChannelDisplay. The numeric values are part of the wire
// protocol.
const (
	OpQueryConf          uint16 = 1
	OpReportHostArea     uint16 = 4
	OpUpdatePointerShape uint16 = 8
	OpTransferCommand    uint16 = 11
	OpReportCaps         uint16 = 12
	OpCursorPosition     uint16 = 27
)

// Configuration indexes understood by OpQueryConf.
const (
	ConfIndexMonitorCount uint32 = 0
	ConfIndexHostHeapSize uint32 = 1

	// confIndexSelfTest is reserved for the one-time transport probe: the
	// device echoes the index back as the value.
	confIndexSelfTest uint32 = math.MaxUint32
)

// Pointer-shape flags for OpUpdatePointerShape.
const (
	PointerVisible uint32 = 0x0001
	PointerAlpha   uint32 = 0x0002
	PointerShape   uint32 = 0x0004
)

// AdapterInformationSize is the size of the area at the top of video memory
// reserved for the guest heap and the host flags record.
const AdapterInformationSize uint32 = 0x10000

// HostFlagsSize is the size of the device flags record: a 32-bit flags word
// followed by reserved space.
const HostFlagsSize uint32 = 16

// HostFlagCommandsPending is set in the flags word while the device has
// buffers queued for the guest.
const HostFlagCommandsPending uint32 = 0x01
