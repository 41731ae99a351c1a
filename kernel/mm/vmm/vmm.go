// Package vmm manages virtual memory mappings on amd64. Page tables are
// edited through the physical memory offset mapping that the boot
// environment sets up, so any table frame is reachable without temporary
// mappings.
package vmm

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn     = cpu.ActivePDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	readCR2Fn       = cpu.ReadCR2

	// activeMapper edits the page tables referenced by CR3. It is handed
	// out at most once.
	activeMapper        Mapper
	activeMapperClaimed bool

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrMappingConflict is returned by Map when the page is already
	// mapped to a different frame.
	ErrMappingConflict = &kernel.Error{Module: "vmm", Message: "page is already mapped to a different frame"}

	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errActiveTableClaimed = &kernel.Error{Module: "vmm", Message: "active page table is already owned by a mapper"}
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}
)

// Init installs the paging-related exception handlers. It must be called
// after gate.LoadIDT and before anything touches memory through the offset
// mapping (such as populating the frame allocator) so that a bad access is
// reported as a page fault instead of escalating to a double fault.
func Init() *kernel.Error {
	return installFaultHandlers()
}

// ActiveMapper returns a Mapper for the page table hierarchy that CR3
// currently points to. Only one mapper may own the active tables; any
// subsequent call returns an error.
func ActiveMapper(translator *physmem.Translator) (*Mapper, *kernel.Error) {
	if activeMapperClaimed {
		return nil, errActiveTableClaimed
	}

	activeMapperClaimed = true
	activeMapper = NewMapper(translator, mm.FrameFromAddress(activePDTFn()), flushTLBEntry)
	return &activeMapper, nil
}

func flushTLBEntry(virtAddr uintptr) {
	flushTLBEntryFn(virtAddr)
}
