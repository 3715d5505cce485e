// Package heap implements the variable-size buffer allocator that backs the
// shared-memory command channel. Every allocation is prefixed with a fixed
// 16-byte header written into the shared bytes themselves, so the device can
// interpret a submitted offset without any out-of-band bookkeeping. The
// allocator keeps a side table of live data offsets, which makes freeing an
// offset the heap never produced a detected error rather than corruption.
package heap

import (
	"io"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vmgfx/hgsm"
	"github.com/vmgfx/hgsm/internal/utils"
	"github.com/vmgfx/hgsm/region"
	"golang.org/x/exp/slog"
)

// Granularity is the allocation granularity of the heap in bytes. Payload
// sizes are rounded up to a multiple of this value so that every header in the
// shared region stays naturally aligned.
const Granularity = 8

var blockAllocator = sync.Pool{
	New: func() any {
		return &block{}
	},
}

// block is the in-memory record of one span of the shared region. index is the
// position of the span's header within the mapped bytes; size is the padded
// payload capacity. The full footprint of a block is
// HeaderSize + size + hgsm.DebugMargin.
type block struct {
	index int
	size  int

	prevPhysical *block
	nextPhysical *block

	prevFree *block
	nextFree *block

	// dataSize is the caller-requested payload size recorded in the shared
	// header. It never exceeds size.
	dataSize uint32
}

func (b *block) MarkFree() {
	b.prevFree = nil
}

func (b *block) MarkTaken() {
	b.prevFree = b
}

func (b *block) IsFree() bool {
	return b.prevFree != b
}

// Heap is a free-list allocator over a mapped region.Area. All mutating
// methods serialize on an internal mutex unless WithoutMutex was provided at
// construction.
type Heap struct {
	area   *region.Area
	logger *slog.Logger
	mutex  utils.OptionalMutex

	liveBlocks *swiss.Map[region.Offset, *block]
	freeHead   *block
	firstBlock *block

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int
}

var _ hgsm.Validatable = &Heap{}

// Option adjusts heap construction.
type Option func(h *Heap)

// WithLogger attaches a logger used for method-entry debug traces. Without it
// the heap logs to a discard handler.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Heap) {
		h.logger = logger
	}
}

// WithoutMutex disables the heap's internal mutex. Only appropriate when the
// embedder already serializes every call into the heap.
func WithoutMutex() Option {
	return func(h *Heap) {
		h.mutex.UseMutex = false
	}
}

// New builds a Heap over the provided area. The whole area initially forms a
// single free block, so it must have room for at least one header and one
// granule of payload.
func New(area *region.Area, options ...Option) (*Heap, error) {
	hgsm.DebugCheckPow2(Granularity, "allocation granularity")

	minSize := HeaderSize + Granularity + hgsm.DebugMargin
	if int(area.Size()) < minSize {
		return nil, errors.Errorf("an area of %d bytes is too small to host a command heap (minimum %d)", area.Size(), minSize)
	}

	h := &Heap{
		area:       area,
		mutex:      utils.OptionalMutex{UseMutex: true},
		liveBlocks: swiss.NewMap[region.Offset, *block](42),
	}
	for _, o := range options {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	first := h.allocateBlock()
	first.index = 0
	first.size = int(area.Size()) - HeaderSize - hgsm.DebugMargin
	h.firstBlock = first
	h.insertFreeBlock(first)

	return h, nil
}

func (h *Heap) allocateBlock() *block {
	b := blockAllocator.Get().(*block)
	b.index = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.prevFree = nil
	b.nextFree = nil
	b.dataSize = 0
	return b
}

func (h *Heap) freeBlock(b *block) {
	blockAllocator.Put(b)
}

func (h *Heap) dataOffset(b *block) region.Offset {
	return h.area.ToOffset(b.index + HeaderSize)
}

func (h *Heap) headerOffset(b *block) region.Offset {
	return h.area.ToOffset(b.index)
}

// writeFreeHeader mirrors a free block's bookkeeping into the shared bytes:
// the free flag plus a link to the next free block's header.
func (h *Heap) writeFreeHeader(b *block) {
	link := region.OffsetVoid
	if b.nextFree != nil {
		link = h.headerOffset(b.nextFree)
	}

	writeHeader(h.area.Bytes(), b.index, BufferHeader{
		DataSize: uint32(b.size),
		Flags:    headerFlagFree,
		FreeLink: link,
	})
}

func (h *Heap) insertFreeBlock(b *block) {
	b.MarkFree()
	b.nextFree = h.freeHead
	if h.freeHead != nil {
		h.freeHead.prevFree = b
	}
	h.freeHead = b

	h.blocksFreeCount++
	h.blocksFreeSize += b.size
	h.writeFreeHeader(b)
}

func (h *Heap) removeFreeBlock(b *block) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
		h.writeFreeHeader(b.prevFree)
	} else {
		h.freeHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}

	b.nextFree = nil
	b.MarkTaken()
	h.blocksFreeCount--
	h.blocksFreeSize -= b.size
}

// mergeBlock absorbs block into prev, which must be physically adjacent and
// directly before it. block is recycled.
func (h *Heap) mergeBlock(block *block, prev *block) {
	prev.size += HeaderSize + block.size + hgsm.DebugMargin
	prev.nextPhysical = block.nextPhysical
	if block.nextPhysical != nil {
		block.nextPhysical.prevPhysical = prev
	}

	h.freeBlock(block)
}

// Alloc carves a buffer of size bytes out of the heap, stamps its shared
// header with the channel and opcode, and returns the buffer's data offset
// together with the payload bytes. The caller owns the buffer until Free.
func (h *Heap) Alloc(size uint32, channel byte, opcode uint16) (region.Offset, []byte, error) {
	h.logger.Debug("Heap::Alloc")

	dataOff, payload, err := h.alloc(size, channel, opcode)
	if err == nil {
		hgsm.DebugValidate(h)
	}

	return dataOff, payload, err
}

func (h *Heap) alloc(size uint32, channel byte, opcode uint16) (region.Offset, []byte, error) {
	if size == 0 {
		return region.OffsetVoid, nil, errors.Wrap(hgsm.ErrInvalidParameter, "zero-size allocation")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	paddedSize := hgsm.AlignUp(int(size), Granularity)

	var current *block
	for current = h.freeHead; current != nil; current = current.nextFree {
		if current.size >= paddedSize {
			break
		}
	}
	if current == nil {
		return region.OffsetVoid, nil, errors.WithStack(hgsm.ErrNoMemory)
	}

	h.removeFreeBlock(current)

	// Split off the tail when the leftover can hold a block of its own.
	leftover := current.size - paddedSize
	if leftover >= HeaderSize+Granularity+hgsm.DebugMargin {
		next := h.allocateBlock()
		next.index = current.index + HeaderSize + paddedSize + hgsm.DebugMargin
		next.size = leftover - HeaderSize - hgsm.DebugMargin

		next.prevPhysical = current
		next.nextPhysical = current.nextPhysical
		if current.nextPhysical != nil {
			current.nextPhysical.prevPhysical = next
		}
		current.nextPhysical = next

		current.size = paddedSize
		h.insertFreeBlock(next)
	}

	current.dataSize = size
	mem := h.area.Bytes()
	writeHeader(mem, current.index, BufferHeader{
		DataSize: size,
		Channel:  channel,
		Opcode:   opcode,
		FreeLink: region.OffsetVoid,
	})
	hgsm.WriteMagicValue(mem, current.index+HeaderSize+current.size)

	dataOff := h.dataOffset(current)
	h.liveBlocks.Put(dataOff, current)
	h.allocCount++

	dataIndex := current.index + HeaderSize
	return dataOff, mem[dataIndex : dataIndex+int(size)], nil
}

// Free returns a buffer to the heap. The offset must be one previously
// returned by Alloc on this heap and not yet freed; anything else is rejected
// with ErrInvalidParameter and leaves the heap untouched.
func (h *Heap) Free(dataOff region.Offset) error {
	h.logger.Debug("Heap::Free")

	if err := h.free(dataOff); err != nil {
		return err
	}
	hgsm.DebugValidate(h)

	return nil
}

func (h *Heap) free(dataOff region.Offset) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	current, ok := h.liveBlocks.Get(dataOff)
	if !ok {
		return errors.Wrapf(hgsm.ErrInvalidParameter, "offset 0x%08x is not a live buffer of this heap", uint32(dataOff))
	}

	if !hgsm.ValidateMagicValue(h.area.Bytes(), current.index+HeaderSize+current.size) {
		return errors.New("memory corruption detected after validated allocation")
	}

	h.liveBlocks.Delete(dataOff)
	h.allocCount--

	next := current.nextPhysical
	if next != nil && next.IsFree() {
		h.removeFreeBlock(next)
		h.mergeBlock(next, current)
	}

	prev := current.prevPhysical
	if prev != nil && prev.IsFree() {
		h.removeFreeBlock(prev)
		h.mergeBlock(current, prev)
		current = prev
	}

	h.insertFreeBlock(current)
	return nil
}

// OffsetOf converts a live buffer's data offset to the offset of its header,
// which is what goes on the wire when the buffer is submitted. It returns
// OffsetVoid for anything that is not a live buffer of this heap.
func (h *Heap) OffsetOf(dataOff region.Offset) region.Offset {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	current, ok := h.liveBlocks.Get(dataOff)
	if !ok {
		return region.OffsetVoid
	}

	return h.headerOffset(current)
}

// HeaderOf reads back the shared header of a live buffer.
func (h *Heap) HeaderOf(dataOff region.Offset) (BufferHeader, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	current, ok := h.liveBlocks.Get(dataOff)
	if !ok {
		return BufferHeader{}, errors.Wrapf(hgsm.ErrInvalidParameter, "offset 0x%08x is not a live buffer of this heap", uint32(dataOff))
	}

	return readHeader(h.area.Bytes(), current.index), nil
}

// Payload returns the payload bytes of a live buffer, sized to the original
// allocation request.
func (h *Heap) Payload(dataOff region.Offset) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	current, ok := h.liveBlocks.Get(dataOff)
	if !ok {
		return nil, errors.Wrapf(hgsm.ErrInvalidParameter, "offset 0x%08x is not a live buffer of this heap", uint32(dataOff))
	}

	dataIndex := current.index + HeaderSize
	return h.area.Bytes()[dataIndex : dataIndex+int(current.dataSize)], nil
}

// Area exposes the region the heap manages.
func (h *Heap) Area() *region.Area {
	return h.area
}

// Size returns the size of the managed region in bytes.
func (h *Heap) Size() uint32 {
	return h.area.Size()
}

// SumFreeSize returns the total payload capacity of all free blocks.
func (h *Heap) SumFreeSize() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.blocksFreeSize
}

// AllocationCount returns the number of live buffers.
func (h *Heap) AllocationCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.allocCount
}

// IsEmpty returns true when no buffers are live.
func (h *Heap) IsEmpty() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.allocCount == 0
}

// AddStatistics accumulates this heap's occupancy into stats.
func (h *Heap) AddStatistics(stats *hgsm.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	stats.HeapBytes += int(h.area.Size())
	stats.AllocationCount += h.allocCount
	stats.AllocationBytes += int(h.area.Size()) - h.blocksFreeSize
}

// AddDetailedStatistics walks the physical chain and accumulates per-block
// data into stats.
func (h *Heap) AddDetailedStatistics(stats *hgsm.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	stats.HeapBytes += int(h.area.Size())

	for b := h.firstBlock; b != nil; b = b.nextPhysical {
		if b.IsFree() {
			stats.AddFreeRange(b.size)
		} else {
			stats.AddAllocation(b.size)
		}
	}
}

// Validate checks the internal consistency of the heap: physical chain
// contiguity, free-list membership, counters, and the agreement between the
// in-memory records and the headers in the shared bytes. It is intended for
// the debug_hgsm build via hgsm.DebugValidate.
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for b := h.freeHead; b != nil; b = b.nextFree {
		if !b.IsFree() {
			return errors.New("a block in the free list is not marked free")
		}
		if b.nextFree != nil && b.nextFree.prevFree != b {
			return errors.New("invalid free-list link")
		}
	}

	mem := h.area.Bytes()
	expectedIndex := 0
	calculatedFreeCount := 0
	calculatedFreeSize := 0
	calculatedAllocCount := 0
	var prev *block

	for b := h.firstBlock; b != nil; b = b.nextPhysical {
		if b.index != expectedIndex {
			return errors.Errorf("block at index %d does not follow its predecessor (expected index %d)", b.index, expectedIndex)
		}
		if b.prevPhysical != prev {
			return errors.New("invalid physical chain link")
		}

		header := readHeader(mem, b.index)
		if b.IsFree() {
			if prev != nil && prev.IsFree() {
				return errors.New("two adjacent free blocks were not merged")
			}
			if !header.IsFree() {
				return errors.Errorf("free block at index %d is not marked free in shared memory", b.index)
			}
			if header.DataSize != uint32(b.size) {
				return errors.Errorf("free block at index %d disagrees with shared memory about its size", b.index)
			}

			expectedLink := region.OffsetVoid
			if b.nextFree != nil {
				expectedLink = h.headerOffset(b.nextFree)
			}
			if header.FreeLink != expectedLink {
				return errors.Errorf("free block at index %d carries a stale free link", b.index)
			}

			calculatedFreeCount++
			calculatedFreeSize += b.size
		} else {
			if header.IsFree() {
				return errors.Errorf("live block at index %d is marked free in shared memory", b.index)
			}
			if header.DataSize != b.dataSize || int(header.DataSize) > b.size {
				return errors.Errorf("live block at index %d disagrees with shared memory about its size", b.index)
			}

			dataOff := h.dataOffset(b)
			tracked, ok := h.liveBlocks.Get(dataOff)
			if !ok || tracked != b {
				return errors.Errorf("live block at index %d is missing from the side table", b.index)
			}

			calculatedAllocCount++
		}

		expectedIndex = b.index + HeaderSize + b.size + hgsm.DebugMargin
		prev = b
	}

	if expectedIndex != int(h.area.Size()) {
		return errors.Errorf("physical chain covers %d bytes of a %d-byte area", expectedIndex, h.area.Size())
	}
	if calculatedFreeCount != h.blocksFreeCount {
		return errors.New("free block count does not match the number of free blocks in the physical chain")
	}
	if calculatedFreeSize != h.blocksFreeSize {
		return errors.New("free size does not match the free blocks in the physical chain")
	}
	if calculatedAllocCount != h.allocCount {
		return errors.New("allocation count does not match the live blocks in the physical chain")
	}

	return nil
}

// CheckCorruption verifies the debug margin after every live buffer. It only
// detects anything under the debug_hgsm build tag; in production builds it
// always succeeds.
func (h *Heap) CheckCorruption() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	mem := h.area.Bytes()
	for b := h.firstBlock; b != nil; b = b.nextPhysical {
		if !b.IsFree() {
			if !hgsm.ValidateMagicValue(mem, b.index+HeaderSize+b.size) {
				return errors.Errorf("memory corruption detected after validated allocation at index %d", b.index)
			}
		}
	}

	return nil
}

// PrintDetailedMap writes a JSON description of the heap's occupancy: summary
// statistics followed by every block in physical order.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var stats hgsm.DetailedStatistics
	stats.Clear()
	stats.HeapBytes += int(h.area.Size())
	for b := h.firstBlock; b != nil; b = b.nextPhysical {
		if b.IsFree() {
			stats.AddFreeRange(b.size)
		} else {
			stats.AddAllocation(b.size)
		}
	}

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(stats.HeapBytes)
	objState.Name("Allocations").Int(stats.AllocationCount)
	objState.Name("AllocatedBytes").Int(stats.AllocationBytes)
	objState.Name("FreeRanges").Int(stats.FreeRangeCount)

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	mem := h.area.Bytes()
	for b := h.firstBlock; b != nil; b = b.nextPhysical {
		obj := arrayState.Object()

		obj.Name("Offset").Int(int(h.headerOffset(b)))
		obj.Name("Size").Int(b.size)
		if b.IsFree() {
			obj.Name("Type").String("FREE")
		} else {
			header := readHeader(mem, b.index)
			obj.Name("Type").String("ALLOCATION")
			obj.Name("Channel").Int(int(header.Channel))
			obj.Name("Opcode").Int(int(header.Opcode))
		}

		obj.End()
	}
}

// BuildStatsString renders PrintDetailedMap as a JSON string.
func (h *Heap) BuildStatsString() string {
	writer := jwriter.NewWriter()
	h.PrintDetailedMap(&writer)

	return string(writer.Bytes())
}
