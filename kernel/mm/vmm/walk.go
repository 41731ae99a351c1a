package vmm

import (
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the mapper's top-level table. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level. If walkFn returns
// false then the walk is aborted.
//
// Tables are reached through the physical memory offset mapping. The frame
// of the next table is read from the entry after walkFn returns, so walkFn
// may install a missing table and the walk continues into it.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		tableFrame = m.root
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = (*pageTableEntry)(unsafe.Pointer(m.translator.FrameAddr(tableFrame) + (entryIndex << mm.PointerShift)))

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pteForAddress returns the entry that maps a particular virtual address
// together with its page table level. The walk stops early at huge page
// entries. ErrInvalidMapping is returned if any entry along the way is not
// present.
func (m *Mapper) pteForAddress(virtAddr uintptr) (*pageTableEntry, uint8, *kernel.Error) {
	var (
		err        *kernel.Error
		entry      *pageTableEntry
		entryLevel uint8
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry, entryLevel = pte, pteLevel
		return pteLevel == 0 || !pte.HasFlags(FlagHugePage)
	})

	return entry, entryLevel, err
}
