// Package physmem provides access to physical memory through the linear
// mapping that the boot environment establishes at a fixed virtual offset.
//
// Translator is the only place where physical addresses are turned into
// dereferenceable pointers. It is constructed once at boot and passed by
// pointer to the packages that need to touch physical memory.
package physmem

import (
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/mm"
)

// Translator converts physical addresses to virtual addresses using a fixed
// offset. The validity of the offset mapping is a precondition supplied by the
// boot environment and is not verified.
type Translator struct {
	offset uintptr
}

// New returns a Translator for physical memory mapped at the supplied
// virtual offset.
func New(physMemOffset uintptr) Translator {
	return Translator{offset: physMemOffset}
}

// Offset returns the virtual address at which physical address 0 is mapped.
func (t *Translator) Offset() uintptr {
	return t.offset
}

// PhysToVirt returns the virtual address that maps physAddr.
func (t *Translator) PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + t.offset
}

// VirtToPhys is the inverse of PhysToVirt. It is only meaningful for
// addresses inside the offset mapping.
func (t *Translator) VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - t.offset
}

// FrameAddr returns the virtual address of the first byte of frame.
func (t *Translator) FrameAddr(frame mm.Frame) uintptr {
	return t.PhysToVirt(frame.Address())
}

// Pointer returns a pointer to the first byte of frame.
func (t *Translator) Pointer(frame mm.Frame) unsafe.Pointer {
	return unsafe.Pointer(t.FrameAddr(frame))
}

// ZeroFrame clears the contents of frame.
func (t *Translator) ZeroFrame(frame mm.Frame) {
	kernel.Memset(t.FrameAddr(frame), 0, mm.PageSize)
}
