// Package kmain contains the kernel entrypoint and the boot sequence.
package kmain

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/gate"
	"github.com/chaos4ever/stormG4/kernel/hal/multiboot"
	"github.com/chaos4ever/stormG4/kernel/hal/qemu"
	"github.com/chaos4ever/stormG4/kernel/hal/serial"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
	"github.com/chaos4ever/stormG4/kernel/mm/pmm"
	"github.com/chaos4ever/stormG4/kernel/mm/vmm"
	"github.com/chaos4ever/stormG4/kernel/trap"
)

var (
	// physMem provides access to physical memory through the offset
	// mapping set up by the boot environment.
	physMem physmem.Translator

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Nothing left to do!"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn      = gate.LoadGDT
	loadIDTFn      = gate.LoadIDT
	trapInitFn     = trap.Init
	vmmInitFn      = vmm.Init
	pmmInitFn      = pmm.Init
	activeMapperFn = vmm.ActiveMapper
	activateFn     = gate.Activate
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after switching to long mode with all of physical memory mapped at
// physMemOffset and setting up a minimal g0 struct that allows Go code to
// run on the boot stack.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader and the virtual address at which physical address 0 is
// mapped.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, physMemOffset uintptr) {
	// Only CPU exceptions are routed through the IDT.
	cpu.DisableInterrupts()

	multiboot.SetInfoPtr(multibootInfoPtr)

	serial.COM1.Init()
	kfmt.SetOutputSink(&serial.COM1)

	testMode := multiboot.HasBootFlag("test")
	if testMode {
		kfmt.SetPreHaltHook(exitFailed)
	}

	kfmt.Printf("storm G4 booting...\n")

	mapper, err := initCore(physMemOffset)
	if err != nil {
		kfmt.Panic(err)
	}

	free, used := pmm.Stats()
	kfmt.Printf("[pmm] frames used: %d, free: %d\n", used, free)

	if testMode {
		runSelfTests(selfTests[:], mapper)
		qemu.Exit(qemu.ExitSuccess)
	}

	cpu.Breakpoint()
	kfmt.Printf("It did not crash!\n")

	kfmt.Panic(errKmainReturned)
}

// initCore loads the descriptor tables, installs every exception handler,
// populates the frame allocator and claims the active page tables. The page
// fault handler is in place before the frame allocator writes its free list
// headers through the offset mapping.
func initCore(physMemOffset uintptr) (*vmm.Mapper, *kernel.Error) {
	if err := loadGDTFn(); err != nil {
		return nil, err
	}

	if err := loadIDTFn(); err != nil {
		return nil, err
	}

	if err := trapInitFn(); err != nil {
		return nil, err
	}

	if err := vmmInitFn(); err != nil {
		return nil, err
	}

	physMem = physmem.New(physMemOffset)
	pmmInitFn(memmap.Multiboot, &physMem)

	mapper, err := activeMapperFn(&physMem)
	if err != nil {
		return nil, err
	}

	if err = activateFn(); err != nil {
		return nil, err
	}

	return mapper, nil
}

func exitFailed() {
	qemu.Exit(qemu.ExitFailed)
}
