package pmm

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// initTarget is the allocator being populated by Init. Region
	// visitors read it instead of capturing it so that no closure is
	// heap allocated.
	initTarget *FreeListAllocator
)

// freeFrameHeader is stored in the first bytes of every free frame and
// links it to its neighbours in the free list.
type freeFrameHeader struct {
	next mm.Frame
	prev mm.Frame
}

// FreeListAllocator hands out physical frames from an intrusive,
// doubly-linked list threaded through the free frames themselves. The list
// headers are accessed through the physical memory offset mapping so the
// allocator needs no memory of its own.
//
// The zero value is an empty allocator whose AllocFrame calls always fail.
type FreeListAllocator struct {
	translator *physmem.Translator

	head mm.Frame
	tail mm.Frame

	freeCount uint64
	usedCount uint64
}

// Init threads every whole frame contained in the usable regions of the
// supplied memory map into the free list, in map order. Region boundaries
// that are not page-aligned are rounded inwards; partial frames are
// discarded.
//
// Init writes to every free frame and must only be invoked once per boot,
// before any frame is handed out.
func (alloc *FreeListAllocator) Init(source memmap.Source, translator *physmem.Translator) {
	alloc.translator = translator
	alloc.head, alloc.tail = mm.InvalidFrame, mm.InvalidFrame
	alloc.freeCount, alloc.usedCount = 0, 0

	initTarget = alloc
	source.VisitRegions(threadRegion)
	initTarget = nil
}

// threadRegion appends the frames of a usable region to the free list of
// initTarget.
func threadRegion(region memmap.Region) bool {
	if region.Type != memmap.Usable {
		return true
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.Frame(((region.Start + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	endFrame := mm.Frame((region.End & ^pageSizeMinus1) >> mm.PageShift)

	for frame := startFrame; frame < endFrame; frame++ {
		initTarget.pushBack(frame)
	}

	return true
}

func (alloc *FreeListAllocator) pushBack(frame mm.Frame) {
	hdr := alloc.header(frame)
	hdr.next = mm.InvalidFrame
	hdr.prev = alloc.tail

	if alloc.tail.Valid() {
		alloc.header(alloc.tail).next = frame
	} else {
		alloc.head = frame
	}

	alloc.tail = frame
	alloc.freeCount++
}

// AllocFrame removes the frame at the head of the free list and returns it.
// AllocFrame returns errOutOfMemory once the list is exhausted.
func (alloc *FreeListAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	frame := alloc.head
	alloc.head = alloc.header(frame).next
	if alloc.head.Valid() {
		alloc.header(alloc.head).prev = mm.InvalidFrame
	} else {
		alloc.tail = mm.InvalidFrame
	}

	alloc.freeCount--
	alloc.usedCount++
	return frame, nil
}

// FreeFrames returns the number of frames that can still be allocated.
func (alloc *FreeListAllocator) FreeFrames() uint64 {
	return alloc.freeCount
}

// UsedFrames returns the number of frames handed out since Init.
func (alloc *FreeListAllocator) UsedFrames() uint64 {
	return alloc.usedCount
}

func (alloc *FreeListAllocator) header(frame mm.Frame) *freeFrameHeader {
	return (*freeFrameHeader)(alloc.translator.Pointer(frame))
}
