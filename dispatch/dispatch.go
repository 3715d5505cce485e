// Package dispatch exposes the command channel as a flat request surface: a
// caller hands over one fixed-header request naming a kind, a size, an offset
// and optional data, and receives a byte payload or an error back. It is the
// boundary a control plane (an ioctl shim, an RPC endpoint, a test harness)
// talks to without knowing anything about heaps or descriptors.
package dispatch

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/cmdchan"
	"github.com/vmgfx/hgsm/region"
	"github.com/vmgfx/hgsm/vdma"
	"golang.org/x/exp/slog"
)

// RequestType selects what a request does.
type RequestType uint32

const (
	// RequestReadBlit reads Size bytes at Offset via a scanline blit.
	RequestReadBlit RequestType = 1
	// RequestWriteBlit writes Data to Offset via a scanline blit.
	RequestWriteBlit RequestType = 2
	// RequestRawCommand submits Data as a display-channel command whose
	// opcode is the low 16 bits of Offset.
	RequestRawCommand RequestType = 3
	// RequestReadBlock reads Size bytes at Offset via a block transfer.
	RequestReadBlock RequestType = 4
	// RequestWriteBlock writes Data to Offset via a block transfer and
	// returns the post-transfer staging bytes.
	RequestWriteBlock RequestType = 5
	// RequestRegionSize returns the size of video memory as a 32-bit value.
	RequestRegionSize RequestType = 6
	// RequestRawAlloc allocates a Size-byte transfer buffer and returns its
	// data offset as a 64-bit value, or an all-ones value on failure.
	RequestRawAlloc RequestType = 7
	// RequestRawSubmit submits the buffer whose data is at Offset and
	// returns the submission status as a 32-bit signed value.
	RequestRawSubmit RequestType = 8
	// RequestRawFree frees the buffer whose data is at Offset.
	RequestRawFree RequestType = 9
)

// HeaderSize is the fixed size of an encoded request before its data.
const HeaderSize = 16

// rawAllocFailed is the in-band failure marker of RequestRawAlloc.
const rawAllocFailed uint64 = math.MaxUint64

// Request is one decoded request.
type Request struct {
	Type   RequestType
	Size   uint32
	Offset uint64
	Data   []byte
}

// DecodeRequest parses a request from its wire form: type u32, size u32,
// offset u64, then data.
func DecodeRequest(b []byte) (*Request, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(hgsm.ErrInvalidParameter, "a request requires at least %d bytes, got %d", HeaderSize, len(b))
	}

	return &Request{
		Type:   RequestType(binary.LittleEndian.Uint32(b[0:])),
		Size:   binary.LittleEndian.Uint32(b[4:]),
		Offset: binary.LittleEndian.Uint64(b[8:]),
		Data:   b[HeaderSize:],
	}, nil
}

// EncodeRequest renders a request into its wire form.
func EncodeRequest(req *Request) []byte {
	b := make([]byte, HeaderSize+len(req.Data))
	binary.LittleEndian.PutUint32(b[0:], uint32(req.Type))
	binary.LittleEndian.PutUint32(b[4:], req.Size)
	binary.LittleEndian.PutUint64(b[8:], req.Offset)
	copy(b[HeaderSize:], req.Data)

	return b
}

// Dispatcher demultiplexes requests onto a guest context and a transfer
// encoder.
type Dispatcher struct {
	guest    *cmdchan.GuestContext
	encoder  *vdma.Encoder
	logger   *slog.Logger
	vramSize uint32
}

// DispatcherOption adjusts dispatcher construction.
type DispatcherOption func(d *Dispatcher)

// WithDispatcherLogger attaches a logger used for request traces.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(guest *cmdchan.GuestContext, encoder *vdma.Encoder, vramSize uint32, options ...DispatcherOption) (*Dispatcher, error) {
	if guest == nil {
		return nil, errors.New("a dispatcher requires a guest context")
	}
	if encoder == nil {
		return nil, errors.New("a dispatcher requires a transfer encoder")
	}

	d := &Dispatcher{
		guest:    guest,
		encoder:  encoder,
		vramSize: vramSize,
	}
	for _, o := range options {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return d, nil
}

// Handle executes one request. The returned payload is nil for request kinds
// that produce no data. Kinds that report their outcome in-band
// (RequestRawAlloc, RequestRawSubmit) return a nil error together with the
// encoded outcome.
func (d *Dispatcher) Handle(req *Request) ([]byte, error) {
	d.logger.Debug("Dispatcher::Handle",
		slog.Uint64("Type", uint64(req.Type)),
		slog.Uint64("Size", uint64(req.Size)),
		slog.Uint64("Offset", req.Offset))

	switch req.Type {
	case RequestReadBlit:
		return d.encoder.ReadBlit(region.Offset(req.Offset), req.Size)

	case RequestWriteBlit:
		data, err := d.requestData(req)
		if err != nil {
			return nil, err
		}
		return nil, d.encoder.WriteBlit(region.Offset(req.Offset), data)

	case RequestRawCommand:
		data, err := d.requestData(req)
		if err != nil {
			return nil, err
		}
		return nil, d.rawCommand(uint16(req.Offset), data)

	case RequestReadBlock:
		return d.encoder.ReadBlock(region.Offset(req.Offset), req.Size)

	case RequestWriteBlock:
		data, err := d.requestData(req)
		if err != nil {
			return nil, err
		}
		return d.encoder.WriteBlock(region.Offset(req.Offset), data)

	case RequestRegionSize:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, d.vramSize)
		return out, nil

	case RequestRawAlloc:
		out := make([]byte, 8)
		dataOff, _, err := d.guest.Alloc(req.Size, cmdchan.ChannelDisplay, cmdchan.OpTransferCommand)
		if err != nil {
			binary.LittleEndian.PutUint64(out, rawAllocFailed)
			return out, nil
		}
		binary.LittleEndian.PutUint64(out, uint64(dataOff))
		return out, nil

	case RequestRawSubmit:
		out := make([]byte, 4)
		err := d.guest.Submit(region.Offset(req.Offset))
		binary.LittleEndian.PutUint32(out, uint32(int32(hgsm.ResultOf(err))))
		return out, nil

	case RequestRawFree:
		return nil, d.guest.Free(region.Offset(req.Offset))
	}

	return nil, errors.Wrapf(hgsm.ErrInvalidParameter, "unknown request type %d", req.Type)
}

// requestData returns the Size-byte data span of a request.
func (d *Dispatcher) requestData(req *Request) ([]byte, error) {
	if uint64(req.Size) > uint64(len(req.Data)) {
		return nil, errors.Wrapf(hgsm.ErrInvalidParameter,
			"request names %d data bytes but carries %d", req.Size, len(req.Data))
	}
	return req.Data[:req.Size], nil
}

// rawCommand submits caller-supplied bytes as a display-channel command.
func (d *Dispatcher) rawCommand(opcode uint16, data []byte) error {
	dataOff, payload, err := d.guest.Alloc(uint32(len(data)), cmdchan.ChannelDisplay, opcode)
	if err != nil {
		return err
	}

	copy(payload, data)

	err = d.guest.Submit(dataOff)
	if freeErr := d.guest.Free(dataOff); freeErr != nil && err == nil {
		err = freeErr
	}
	return err
}
