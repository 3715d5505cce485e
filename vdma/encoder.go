package vdma

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/cmdchan"
	"github.com/vmgfx/hgsm/region"
	"golang.org/x/exp/slog"
)

// blitLayersSize is the full header footprint of a blit transfer buffer. The
// blit descriptor always carries one sub-rectangle slot, used or not, so the
// staging data starts at a fixed offset.
const blitLayersSize = TransferPrefixSize + DescriptorSize + CommandHeaderSize +
	PresentBlitBaseSize + RectangleSize

// blockLayersSize is the full header footprint of a block transfer buffer.
const blockLayersSize = TransferPrefixSize + DescriptorSize + CommandHeaderSize +
	BlockTransferSize

// stagingFill is the pattern written into the staging span of a device-to-
// guest transfer before submission, so a device that copies nothing is
// observable.
const stagingFill byte = 0x41

// Encoder builds and submits transfer commands over a guest context. Each
// transfer stages its data inside the command buffer itself and names the
// staging span by its video-memory offset, which works because the command
// heap lives inside video memory.
type Encoder struct {
	guest    *cmdchan.GuestContext
	logger   *slog.Logger
	vramSize uint32

	uncheckedOffsets bool
}

// EncoderOption adjusts encoder construction.
type EncoderOption func(e *Encoder)

// WithEncoderLogger attaches a logger used for method-entry debug traces.
func WithEncoderLogger(logger *slog.Logger) EncoderOption {
	return func(e *Encoder) {
		e.logger = logger
	}
}

// WithUncheckedOffsets disables the encoder's validation of caller-supplied
// transfer ranges against the size of video memory. The device still sees the
// raw offsets; what it does with an out-of-range transfer is its own affair.
func WithUncheckedOffsets() EncoderOption {
	return func(e *Encoder) {
		e.uncheckedOffsets = true
	}
}

// NewEncoder builds an Encoder. vramSize bounds the transfer ranges accepted
// in checked mode.
func NewEncoder(guest *cmdchan.GuestContext, vramSize uint32, options ...EncoderOption) (*Encoder, error) {
	if guest == nil {
		return nil, errors.New("an encoder requires a guest context")
	}
	if vramSize == 0 {
		return nil, errors.New("an encoder requires the video memory size")
	}

	e := &Encoder{
		guest:    guest,
		vramSize: vramSize,
	}
	for _, o := range options {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return e, nil
}

// checkRange validates one side of a transfer against video memory.
func (e *Encoder) checkRange(off region.Offset, size uint32) error {
	if e.uncheckedOffsets {
		return nil
	}
	if uint64(off)+uint64(size) > uint64(e.vramSize) {
		return errors.Wrapf(hgsm.ErrInvalidParameter,
			"a transfer of %d bytes at offset 0x%08x extends past the end of video memory", size, uint32(off))
	}
	return nil
}

// submitTransfer allocates a transfer buffer with layersSize bytes of headers
// followed by size staging bytes, lets build encode the layers and staging
// span, submits, and surfaces the device-written descriptor status. The
// staging span's contents after completion are handed to inspect before the
// buffer is freed.
func (e *Encoder) submitTransfer(layersSize int, size uint32, build func(payload, staging []byte, stagingOff region.Offset), inspect func(staging []byte)) error {
	dataOff, payload, err := e.guest.Alloc(uint32(layersSize)+size, cmdchan.ChannelDisplay, cmdchan.OpTransferCommand)
	if err != nil {
		return err
	}

	staging := payload[layersSize:]
	stagingOff := dataOff + region.Offset(layersSize)

	desc := Descriptor{
		Flags:      DescriptorFlagBufferFollows,
		BufferSize: 0xFFFF,
	}
	desc.encodeTo(payload[TransferPrefixSize:])

	build(payload, staging, stagingOff)

	err = e.guest.Submit(dataOff)
	if err == nil {
		err = decodeDescriptorStatus(payload[TransferPrefixSize:]).Err()
	}
	if err == nil && inspect != nil {
		inspect(staging)
	}

	if freeErr := e.guest.Free(dataOff); freeErr != nil && err == nil {
		err = freeErr
	}
	return err
}

// encodeBlitLayers fills in the command tag and blit descriptor for a
// size-byte scanline blit from src to dst.
func encodeBlitLayers(payload []byte, src, dst uint64, size uint32) {
	tag := CommandHeader{Type: CommandPresentBlit}
	tag.encodeTo(payload[TransferPrefixSize+DescriptorSize:])

	blit := PresentBlit{
		SrcOffset: src,
		DstOffset: dst,
		SrcDesc:   scanlineSurface(size),
		DstDesc:   scanlineSurface(size),
		SrcRect:   scanlineRect(size),
		DstRect:   scanlineRect(size),
	}
	blit.encodeTo(payload[TransferPrefixSize+DescriptorSize+CommandHeaderSize:])
}

// encodeBlockLayers fills in the command tag and block-copy descriptor for a
// size-byte copy from src to dst, both video-memory offsets.
func encodeBlockLayers(payload []byte, src, dst region.Offset, size uint32) {
	tag := CommandHeader{Type: CommandBlockTransfer}
	tag.encodeTo(payload[TransferPrefixSize+DescriptorSize:])

	transfer := BlockTransfer{
		Size:  size,
		Flags: BlockTransferSrcIsOffset | BlockTransferDstIsOffset,
		Src:   LocationFromOffset(src),
		Dst:   LocationFromOffset(dst),
	}
	transfer.encodeTo(payload[TransferPrefixSize+DescriptorSize+CommandHeaderSize:])
}

// ReadBlit copies size bytes from the given video-memory offset into a fresh
// slice using a scanline blit.
func (e *Encoder) ReadBlit(src region.Offset, size uint32) ([]byte, error) {
	e.logger.Debug("Encoder::ReadBlit",
		slog.Uint64("Offset", uint64(src)), slog.Uint64("Size", uint64(size)))

	if err := e.checkRange(src, size); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	err := e.submitTransfer(blitLayersSize, size,
		func(payload, staging []byte, stagingOff region.Offset) {
			for i := range staging {
				staging[i] = stagingFill
			}
			encodeBlitLayers(payload, uint64(src), uint64(stagingOff), size)
		},
		func(staging []byte) {
			copy(out, staging)
		})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// WriteBlit copies data to the given video-memory offset using a scanline
// blit.
func (e *Encoder) WriteBlit(dst region.Offset, data []byte) error {
	e.logger.Debug("Encoder::WriteBlit",
		slog.Uint64("Offset", uint64(dst)), slog.Uint64("Size", uint64(len(data))))

	size := uint32(len(data))
	if err := e.checkRange(dst, size); err != nil {
		return err
	}

	return e.submitTransfer(blitLayersSize, size,
		func(payload, staging []byte, stagingOff region.Offset) {
			copy(staging, data)
			encodeBlitLayers(payload, uint64(stagingOff), uint64(dst), size)
		}, nil)
}

// ReadBlock copies size bytes from the given video-memory offset into a fresh
// slice using a block transfer.
func (e *Encoder) ReadBlock(src region.Offset, size uint32) ([]byte, error) {
	e.logger.Debug("Encoder::ReadBlock",
		slog.Uint64("Offset", uint64(src)), slog.Uint64("Size", uint64(size)))

	if err := e.checkRange(src, size); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	err := e.submitTransfer(blockLayersSize, size,
		func(payload, staging []byte, stagingOff region.Offset) {
			for i := range staging {
				staging[i] = stagingFill
			}
			encodeBlockLayers(payload, src, stagingOff, size)
		},
		func(staging []byte) {
			copy(out, staging)
		})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// WriteBlock copies data to the given video-memory offset using a block
// transfer. It returns the staging span's contents as observed after the
// device completed the transfer, which callers can compare against what they
// wrote.
func (e *Encoder) WriteBlock(dst region.Offset, data []byte) ([]byte, error) {
	e.logger.Debug("Encoder::WriteBlock",
		slog.Uint64("Offset", uint64(dst)), slog.Uint64("Size", uint64(len(data))))

	size := uint32(len(data))
	if err := e.checkRange(dst, size); err != nil {
		return nil, err
	}

	echo := make([]byte, size)
	err := e.submitTransfer(blockLayersSize, size,
		func(payload, staging []byte, stagingOff region.Offset) {
			copy(staging, data)
			encodeBlockLayers(payload, stagingOff, dst, size)
		},
		func(staging []byte) {
			copy(echo, staging)
		})
	if err != nil {
		return nil, err
	}

	return echo, nil
}
