package vmm

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
)

// TLBFlusher invalidates any cached translation for a virtual address.
type TLBFlusher func(virtAddr uintptr)

// Mapper edits a 4-level page table hierarchy whose tables are accessed
// through the physical memory offset mapping.
type Mapper struct {
	translator *physmem.Translator
	root       mm.Frame
	flushFn    TLBFlusher
}

// NewMapper returns a Mapper for the hierarchy rooted at the supplied
// top-level table frame. flushFn is invoked after every change to a
// last-level entry.
func NewMapper(translator *physmem.Translator, root mm.Frame, flushFn TLBFlusher) Mapper {
	return Mapper{
		translator: translator,
		root:       root,
		flushFn:    flushFn,
	}
}

// Root returns the frame holding the top-level page table.
func (m *Mapper) Root() mm.Frame {
	return m.root
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from alloc, cleared and
// installed as present and writable. If alloc is nil, the allocator
// registered with mm.SetFrameAllocator is used. Existing intermediate
// entries gain FlagRW and FlagUserAccessible when flags requests them;
// neither flag is ever cleared from an intermediate entry.
//
// FlagPresent is always added to flags. Mapping a page that already points
// to frame updates its flags; mapping a page that points to a different
// frame fails with ErrMappingConflict and leaves the existing entry intact.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	var (
		err         *kernel.Error
		parentFlags = FlagPresent | FlagRW | (flags & FlagUserAccessible)
	)

	if alloc == nil {
		alloc = mm.FrameAllocatorFn(mm.AllocFrame)
	}

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) && pte.Frame() != frame {
				err = ErrMappingConflict
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			m.flushFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if pte.HasFlags(FlagPresent) {
			pte.SetFlags(flags & (FlagUserAccessible | FlagRW))
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it, clear its contents and link it.
		var newTableFrame mm.Frame
		if newTableFrame, err = alloc.AllocFrame(); err != nil {
			return false
		}

		m.translator.ZeroFrame(newTableFrame)
		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(parentFlags)
		return true
	})

	return err
}

// MapRegion maps the physical memory region which starts at startFrame to
// the virtual region that starts at startPage. The size argument is always
// rounded up to the nearest page boundary. MapRegion stops at the first
// page that cannot be mapped and returns its error; pages mapped before it
// are left in place.
func (m *Mapper) MapRegion(startPage mm.Page, startFrame mm.Frame, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	pageCount := ((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift

	for page, frame := startPage, startFrame; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := m.Map(page, frame, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// Unmap marks the last-level entry for page as non-present, flushes its TLB
// entry and returns the frame it pointed to. The frame is not returned to
// any allocator and the page tables along the path are kept.
func (m *Mapper) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Next table (or the page itself) is not present; this is an
		// invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			pte.ClearFlags(FlagPresent)
			m.flushFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Addresses covered by huge pages
// are translated as well.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, level, err := m.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	offsetMask := uintptr(1)<<pageLevelShifts[level] - 1
	physAddr := (uintptr(*pte) & ptePhysPageMask &^ offsetMask) + (virtAddr & offsetMask)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
