package vmm

import (
	"testing"
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/gate"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
	"github.com/chaos4ever/stormG4/kernel/mm/pmm"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// testMemory simulates the first len(mem) bytes of physical memory. Frame
// 0 holds the top-level table; page table frames are handed out starting at
// frame 1.
type testMemory struct {
	mem        []byte
	translator physmem.Translator

	nextFrame  mm.Frame
	lastFrame  mm.Frame
	allocCount int

	flushed []uintptr
}

func newTestMemory(frameCount int) *testMemory {
	tm := &testMemory{
		mem:       make([]byte, uintptr(frameCount)*mm.PageSize),
		nextFrame: 1,
		lastFrame: 0x40,
	}
	tm.translator = physmem.New(uintptr(unsafe.Pointer(&tm.mem[0])))
	return tm
}

func (tm *testMemory) AllocFrame() (mm.Frame, *kernel.Error) {
	if tm.nextFrame >= tm.lastFrame {
		return mm.InvalidFrame, errTestOutOfFrames
	}

	// Hand out dirty frames to verify that new tables get cleared
	frame := tm.nextFrame
	tm.nextFrame++
	tm.allocCount++
	kernel.Memset(tm.translator.FrameAddr(frame), 0xff, mm.PageSize)
	return frame, nil
}

func (tm *testMemory) mapper() Mapper {
	return NewMapper(&tm.translator, 0, func(virtAddr uintptr) {
		tm.flushed = append(tm.flushed, virtAddr)
	})
}

func (tm *testMemory) entry(tableFrame mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(tm.translator.FrameAddr(tableFrame) + index<<mm.PointerShift))
}

func TestMapperMapAndTranslate(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
	)

	specs := []struct {
		virtAddr uintptr
		frame    mm.Frame
	}{
		{0xdeadbeef000, 0xb8},
		{0xdeadbef0000, 0xb9},
		{0xffff800000200000, 0x1234},
		{0x1000, 0x90},
	}

	for specIndex, spec := range specs {
		page := mm.PageFromAddress(spec.virtAddr)
		if err := mapper.Map(page, spec.frame, FlagRW, tm); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		for _, offset := range []uintptr{0, 0x123, mm.PageSize - 1} {
			physAddr, err := mapper.Translate(spec.virtAddr + offset)
			if err != nil {
				t.Fatalf("[spec %d] unexpected error translating 0x%x: %v", specIndex, spec.virtAddr+offset, err)
			}

			if exp := spec.frame.Address() + offset; physAddr != exp {
				t.Fatalf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virtAddr+offset, exp, physAddr)
			}
		}
	}

	if exp := len(specs); len(tm.flushed) != exp {
		t.Fatalf("expected %d TLB flushes; got %d", exp, len(tm.flushed))
	}
	if tm.flushed[0] != 0xdeadbeef000 {
		t.Fatalf("expected TLB entry for 0xdeadbeef000 to be flushed; got 0x%x", tm.flushed[0])
	}

	// 0xdeadbeef000 and 0xdeadbef0000 share all intermediate tables.
	// 0xffff800000200000 and 0x1000 need 3 tables each.
	if exp := 3 + 3 + 3; tm.allocCount != exp {
		t.Fatalf("expected %d page table frames to be allocated; got %d", exp, tm.allocCount)
	}

	if _, err := mapper.Translate(0xdeadbef1000); err != ErrInvalidMapping {
		t.Fatalf("expected translating an unmapped address to return ErrInvalidMapping; got %v", err)
	}
}

func TestMapperMapEntryFlags(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
		page   = mm.PageFromAddress(0xdeadbeef000)
	)

	if err := mapper.Map(page, 0xb8, FlagRW|FlagNoExecute, tm); err != nil {
		t.Fatal(err)
	}

	var levels int
	mapper.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		levels++
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent | FlagRW | FlagNoExecute) {
				t.Errorf("expected last-level entry to have present, RW and NX flags; got 0x%x", uintptr(*pte))
			}
			if pte.Frame() != 0xb8 {
				t.Errorf("expected last-level entry to point to frame 0xb8; got 0x%x", pte.Frame())
			}
			return true
		}

		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[level %d] expected table entry to be present and writable; got 0x%x", pteLevel, uintptr(*pte))
		}
		if pte.HasAnyFlag(FlagUserAccessible | FlagNoExecute | FlagHugePage) {
			t.Errorf("[level %d] unexpected flags in table entry: 0x%x", pteLevel, uintptr(*pte))
		}

		// New tables must be cleared even if the allocator returns dirty frames
		next := pte.Frame()
		var nonZero int
		for i := uintptr(0); i < 512; i++ {
			if *tm.entry(next, i) != 0 {
				nonZero++
			}
		}
		if nonZero != 1 {
			t.Errorf("[level %d] expected the new table to contain a single entry; got %d", pteLevel, nonZero)
		}
		return true
	})

	if levels != pageLevels {
		t.Fatalf("expected walk to visit %d levels; got %d", pageLevels, levels)
	}
}

func TestMapperMapUserAccessiblePropagates(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
	)

	if err := mapper.Map(mm.PageFromAddress(0x400000), 0x10, FlagRW, tm); err != nil {
		t.Fatal(err)
	}
	if err := mapper.Map(mm.PageFromAddress(0x401000), 0x11, FlagRW|FlagUserAccessible, tm); err != nil {
		t.Fatal(err)
	}

	mapper.walk(0x401000, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagUserAccessible) {
			t.Errorf("[level %d] expected entry to be user accessible", pteLevel)
		}
		return true
	})
}

func TestMapperMapWritableUnderReadOnlyTables(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
	)

	if err := mapper.Map(mm.PageFromAddress(0x400000), 0x10, 0, tm); err != nil {
		t.Fatal(err)
	}

	// Make the tables along the path read-only like the ones a boot
	// environment may hand over.
	mapper.walk(0x400000, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel < pageLevels-1 {
			pte.ClearFlags(FlagRW)
		}
		return true
	})

	if err := mapper.Map(mm.PageFromAddress(0x401000), 0x11, FlagRW, tm); err != nil {
		t.Fatal(err)
	}

	mapper.walk(0x401000, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[level %d] expected entry to be present and writable; got 0x%x", pteLevel, uintptr(*pte))
		}
		return true
	})

	mapper.walk(0x400000, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 && pte.HasFlags(FlagRW) {
			t.Error("expected the read-only leaf mapping to stay read-only")
		}
		return true
	})
}

func TestMapperMapConflict(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
		page   = mm.PageFromAddress(0xdeadbeef000)
	)

	if err := mapper.Map(page, 0xb8, FlagRW, tm); err != nil {
		t.Fatal(err)
	}
	flushCount := len(tm.flushed)

	if err := mapper.Map(page, 0xb9, FlagRW, tm); err != ErrMappingConflict {
		t.Fatalf("expected to get ErrMappingConflict; got %v", err)
	}

	if len(tm.flushed) != flushCount {
		t.Fatal("expected no TLB flush for a rejected mapping")
	}

	physAddr, err := mapper.Translate(page.Address())
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0xb8000); physAddr != exp {
		t.Fatalf("expected the original mapping to 0x%x to be preserved; got 0x%x", exp, physAddr)
	}

	t.Run("remap to the same frame updates flags", func(t *testing.T) {
		if err := mapper.Map(page, 0xb8, FlagNoExecute, tm); err != nil {
			t.Fatal(err)
		}

		pte, _, err := mapper.pteForAddress(page.Address())
		if err != nil {
			t.Fatal(err)
		}
		if !pte.HasFlags(FlagPresent|FlagNoExecute) || pte.HasFlags(FlagRW) {
			t.Fatalf("expected entry flags to be replaced; got 0x%x", uintptr(*pte))
		}
	})
}

func TestMapperMapAllocatorFailure(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
	)

	// Allow a single table allocation
	tm.lastFrame = 2

	if err := mapper.Map(mm.PageFromAddress(0xdeadbeef000), 0xb8, FlagRW, tm); err != errTestOutOfFrames {
		t.Fatalf("expected the allocator error to be returned; got %v", err)
	}

	if len(tm.flushed) != 0 {
		t.Fatal("expected no TLB flush for a failed mapping")
	}

	if _, err := mapper.Translate(0xdeadbeef000); err != ErrInvalidMapping {
		t.Fatalf("expected page to remain unmapped; got %v", err)
	}
}

func TestMapperMapWithRegisteredAllocator(t *testing.T) {
	defer mm.SetFrameAllocator(nil)

	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
	)

	mm.SetFrameAllocator(tm.AllocFrame)

	if err := mapper.Map(mm.PageFromAddress(0x200000), 0x80, FlagRW, nil); err != nil {
		t.Fatal(err)
	}

	if exp := 3; tm.allocCount != exp {
		t.Fatalf("expected the registered allocator to provide %d tables; got %d", exp, tm.allocCount)
	}
}

func TestMapperHugePages(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
	)

	// Install a PDPT at frame 0x50 and map the second 1Gb of the address
	// space with a huge page pointing to physical address 0x40000000. The
	// third 1Gb goes through a PD at frame 0x51 with a 2Mb page at 0x200000.
	*tm.entry(0, 0) = pageTableEntry(0x50000) | pageTableEntry(FlagPresent|FlagRW)
	*tm.entry(0x50, 1) = pageTableEntry(0x40000000) | pageTableEntry(FlagPresent|FlagRW|FlagHugePage)
	*tm.entry(0x50, 2) = pageTableEntry(0x51000) | pageTableEntry(FlagPresent|FlagRW)
	*tm.entry(0x51, 3) = pageTableEntry(0x200000) | pageTableEntry(FlagPresent|FlagRW|FlagHugePage)

	specs := []struct {
		virtAddr uintptr
		expPhys  uintptr
	}{
		{0x40000000, 0x40000000},
		{0x40000000 + 0x1234567, 0x41234567},
		{0x80000000 + 3*0x200000 + 0x1abcd, 0x21abcd},
	}

	for specIndex, spec := range specs {
		physAddr, err := mapper.Translate(spec.virtAddr)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if physAddr != spec.expPhys {
			t.Fatalf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virtAddr, spec.expPhys, physAddr)
		}
	}

	if err := mapper.Map(mm.PageFromAddress(0x40001000), 0xb8, FlagRW, tm); err != errNoHugePageSupport {
		t.Fatalf("expected Map through a huge page to return errNoHugePageSupport; got %v", err)
	}

	if _, err := mapper.Unmap(mm.PageFromAddress(0x80600000)); err != errNoHugePageSupport {
		t.Fatalf("expected Unmap through a huge page to return errNoHugePageSupport; got %v", err)
	}
}

func TestMapperUnmap(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
		page   = mm.PageFromAddress(0xdeadbeef000)
	)

	if _, err := mapper.Unmap(page); err != ErrInvalidMapping {
		t.Fatalf("expected unmapping an unmapped page to return ErrInvalidMapping; got %v", err)
	}

	if err := mapper.Map(page, 0xb8, FlagRW, tm); err != nil {
		t.Fatal(err)
	}

	frame, err := mapper.Unmap(page)
	if err != nil {
		t.Fatal(err)
	}
	if frame != 0xb8 {
		t.Fatalf("expected Unmap to return frame 0xb8; got 0x%x", frame)
	}

	if got := tm.flushed[len(tm.flushed)-1]; got != page.Address() {
		t.Fatalf("expected TLB entry for 0x%x to be flushed; got 0x%x", page.Address(), got)
	}

	if _, err = mapper.Translate(page.Address()); err != ErrInvalidMapping {
		t.Fatalf("expected translating an unmapped page to return ErrInvalidMapping; got %v", err)
	}

	if _, err = mapper.Unmap(page); err != ErrInvalidMapping {
		t.Fatalf("expected a second Unmap to return ErrInvalidMapping; got %v", err)
	}

	// The slot is free again and can point to a different frame
	if err = mapper.Map(page, 0xb9, FlagRW, tm); err != nil {
		t.Fatalf("expected page to be mappable after Unmap; got %v", err)
	}
}

func TestMapperMapRegion(t *testing.T) {
	var (
		tm        = newTestMemory(0x100)
		mapper    = tm.mapper()
		startPage = mm.PageFromAddress(0xffff800000000000)
	)

	if err := mapper.MapRegion(startPage, 0x80, 3*mm.PageSize+1, FlagRW, tm); err != nil {
		t.Fatal(err)
	}

	for i := uintptr(0); i < 4; i++ {
		physAddr, err := mapper.Translate((startPage + mm.Page(i)).Address())
		if err != nil {
			t.Fatalf("[page %d] unexpected error: %v", i, err)
		}
		if exp := (mm.Frame(0x80) + mm.Frame(i)).Address(); physAddr != exp {
			t.Fatalf("[page %d] expected physical address 0x%x; got 0x%x", i, exp, physAddr)
		}
	}

	if _, err := mapper.Translate((startPage + 4).Address()); err != ErrInvalidMapping {
		t.Fatalf("expected page after the region to be unmapped; got %v", err)
	}

	// Overlapping region stops at the first conflict
	if err := mapper.MapRegion(startPage+3, 0x90, 2*mm.PageSize, FlagRW, tm); err != ErrMappingConflict {
		t.Fatalf("expected overlapping MapRegion to return ErrMappingConflict; got %v", err)
	}
}

// TestMapperWithFrameAllocator maps a page using the free list allocator for
// the page tables, writes a pattern through the mapping and reads it back
// from the target frame.
func TestMapperWithFrameAllocator(t *testing.T) {
	var (
		tm     = newTestMemory(0x100)
		mapper = tm.mapper()
		alloc  pmm.FreeListAllocator
		page   = mm.PageFromAddress(0xdeadbeef000)
	)

	alloc.Init(memmap.Regions{
		{Start: 0x0, End: 0x1000, Type: memmap.Reserved},
		{Start: 0x1000, End: 0x80000, Type: memmap.Usable},
		{Start: 0x80000, End: 0x100000, Type: memmap.Reserved},
	}, &tm.translator)
	freeBefore := alloc.FreeFrames()

	if err := mapper.Map(page, mm.FrameFromAddress(0xb8000), FlagPresent|FlagRW, &alloc); err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(3), alloc.UsedFrames(); got != exp {
		t.Fatalf("expected %d frames to be used for page tables; got %d", exp, got)
	}
	if exp, got := freeBefore-3, alloc.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	physAddr, err := mapper.Translate(page.Address() + 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0xb8010); physAddr != exp {
		t.Fatalf("expected 0x%x; got 0x%x", exp, physAddr)
	}

	*(*uint64)(unsafe.Pointer(tm.translator.PhysToVirt(physAddr))) = 0x_f021_f077_f065_f04e
	if got := *(*uint64)(unsafe.Pointer(&tm.mem[0xb8010])); got != 0x_f021_f077_f065_f04e {
		t.Fatalf("expected pattern to be readable from the target frame; got 0x%x", got)
	}
}

func TestActiveMapper(t *testing.T) {
	defer func() {
		activePDTFn = cpu.ActivePDT
		flushTLBEntryFn = cpu.FlushTLBEntry
		activeMapperClaimed = false
		activeMapper = Mapper{}
	}()

	var (
		tm      = newTestMemory(0x100)
		flushed []uintptr
	)

	// Keep the allocator away from the root table frame
	tm.nextFrame = 4
	activePDTFn = func() uintptr { return 0x3000 }
	flushTLBEntryFn = func(virtAddr uintptr) { flushed = append(flushed, virtAddr) }

	mapper, err := ActiveMapper(&tm.translator)
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.Frame(3); mapper.Root() != exp {
		t.Fatalf("expected mapper root to be frame %d; got %d", exp, mapper.Root())
	}

	if err = mapper.Map(mm.PageFromAddress(0x1000), 0x20, FlagRW, tm); err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 1 || flushed[0] != 0x1000 {
		t.Fatalf("expected the CPU TLB flush to be invoked for 0x1000; got %v", flushed)
	}

	if _, err = ActiveMapper(&tm.translator); err != errActiveTableClaimed {
		t.Fatalf("expected a second ActiveMapper call to return errActiveTableClaimed; got %v", err)
	}
}

func TestInit(t *testing.T) {
	defer func() {
		handleInterruptFn = gate.HandleInterrupt
	}()

	var installed bool
	handleInterruptFn = func(intNumber gate.InterruptNumber, _ uint8, _ func(*gate.Registers)) *kernel.Error {
		installed = intNumber == gate.PageFaultException
		return nil
	}

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	if !installed {
		t.Fatal("expected page fault handler to be installed")
	}

	// Init does not depend on the active page tables or a frame allocator
	// so it can run before either is set up.
	if activeMapperClaimed {
		t.Fatal("expected Init to leave the active page tables unclaimed")
	}
}

func TestPageOffset(t *testing.T) {
	specs := []struct {
		virtAddr, exp uintptr
	}{
		{0xdeadbeef000, 0},
		{0xdeadbeef123, 0x123},
		{0xffff800000000fff, 0xfff},
	}

	for _, spec := range specs {
		if got := PageOffset(spec.virtAddr); got != spec.exp {
			t.Errorf("expected PageOffset(0x%x) to return 0x%x; got 0x%x", spec.virtAddr, spec.exp, got)
		}
	}
}
