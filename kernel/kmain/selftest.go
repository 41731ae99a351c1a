package kmain

import (
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/vmm"
)

const (
	// selfTestPageAddr is mapped to the VGA text buffer at 0xb8000 by the
	// mapping self test.
	selfTestPageAddr = uintptr(0xdeadbeef000)
	vgaTextPhysAddr  = uintptr(0xb8000)

	// selfTestPattern renders as "New!" in white on black text mode cells.
	selfTestPattern = uint64(0x_f021_f077_f065_f04e)
)

// selfTest is a check that runs inside the booted kernel when the boot
// command line contains the "test" flag.
type selfTest struct {
	name string
	fn   func(*vmm.Mapper) *kernel.Error
}

var (
	selfTests = [...]selfTest{
		{"frame allocation", testFrameAllocation},
		{"page mapping", testPageMapping},
		{"breakpoint", testBreakpoint},
	}

	errSameFrameTwice = &kernel.Error{Module: "selftest", Message: "allocator returned the same frame twice"}
	errPatternLost    = &kernel.Error{Module: "selftest", Message: "pattern written through the mapping was not found in the target frame"}
)

// runSelfTests runs each test in order and reports "[ok]" or "[failed]"
// for it. The first failure is fatal.
func runSelfTests(tests []selfTest, mapper *vmm.Mapper) {
	kfmt.Printf("Running %d tests\n", len(tests))
	for i := range tests {
		kfmt.Printf("%s... ", tests[i].name)
		if err := tests[i].fn(mapper); err != nil {
			kfmt.Printf("[failed]\n")
			kfmt.Panic(err)
			return
		}
		kfmt.Printf("[ok]\n")
	}
}

func testFrameAllocation(_ *vmm.Mapper) *kernel.Error {
	first, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	second, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	if first == second {
		return errSameFrameTwice
	}

	return nil
}

func testPageMapping(mapper *vmm.Mapper) *kernel.Error {
	page := mm.PageFromAddress(selfTestPageAddr)
	if err := mapper.Map(page, mm.FrameFromAddress(vgaTextPhysAddr), vmm.FlagRW, nil); err != nil {
		return err
	}

	// Write through the new mapping and read back through the offset
	// mapping of the target frame.
	*(*uint64)(unsafe.Pointer(page.Address() + 400)) = selfTestPattern
	if *(*uint64)(unsafe.Pointer(physMem.PhysToVirt(vgaTextPhysAddr + 400))) != selfTestPattern {
		return errPatternLost
	}

	return nil
}

func testBreakpoint(_ *vmm.Mapper) *kernel.Error {
	cpu.Breakpoint()
	return nil
}
