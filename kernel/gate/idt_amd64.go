package gate

import (
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
)

const (
	// idtEntries is the number of gates in the IDT.
	idtEntries = 256

	// exceptionGateCount is the number of gates that have an entry stub.
	// These cover the CPU exception vectors; the remaining gates stay
	// empty.
	exceptionGateCount = 32

	// maxISTIndex is the highest interrupt stack table slot.
	maxISTIndex = 7

	gateTypeInterrupt = 0x0E
	gatePresent       = 0x80
)

// idtEntry is a 16-byte interrupt gate descriptor.
type idtEntry struct {
	offsetLow    uint16
	selector     uint16
	ist          uint8
	typeAttr     uint8
	offsetMiddle uint16
	offsetHigh   uint32
	reserved     uint32
}

func (e *idtEntry) setOffset(addr uintptr) {
	e.offsetLow = uint16(addr & 0xFFFF)
	e.offsetMiddle = uint16((addr >> 16) & 0xFFFF)
	e.offsetHigh = uint32((uint64(addr) >> 32) & 0xFFFFFFFF)
}

func (e *idtEntry) offset() uintptr {
	return uintptr(uint64(e.offsetHigh)<<32 | uint64(e.offsetMiddle)<<16 | uint64(e.offsetLow))
}

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn = cpu.LoadIDT
	panicFn   = kfmt.Panic

	idt           [idtEntries]idtEntry
	idtDescriptor pseudoDescriptor
	handlers      [idtEntries]func(*Registers)
)

// gateEntryTable returns the addresses of the entry stubs for the exception
// vectors. Each stub pushes the vector number (and a zero error code for
// exceptions that do not push one), saves the general purpose registers
// and calls dispatchInterrupt.
func gateEntryTable() *[exceptionGateCount]uintptr

// LoadIDT populates the IDT with the entry stubs for all exception vectors
// and loads it to the CPU. All gates are initially marked as non-present and
// must be explicitly enabled via a call to HandleInterrupt.
func LoadIDT() *kernel.Error {
	if state != GDTLoaded {
		return errInvalidTransition
	}

	entries := gateEntryTable()
	for i := 0; i < exceptionGateCount; i++ {
		idt[i] = idtEntry{
			selector: uint16(KernelCodeSelector),
			typeAttr: gateTypeInterrupt,
		}
		idt[i].setOffset(entries[i])
	}

	idtDescriptor.set(uintptr(unsafe.Pointer(&idt[0])), uint16(unsafe.Sizeof(idt)-1))
	loadIDTFn(uintptr(unsafe.Pointer(&idtDescriptor)))

	state = IDTLoaded
	return nil
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs and marks its gate as present. The
// value of the istIndex argument selects the interrupt stack table slot that
// the CPU switches to before invoking the gate (if 0 then IST is not used).
//
// Handlers can only be registered after LoadIDT and before Activate.
func HandleInterrupt(intNumber InterruptNumber, istIndex uint8, handler func(*Registers)) *kernel.Error {
	switch {
	case state != IDTLoaded:
		return errInvalidTransition
	case istIndex > maxISTIndex:
		return errInvalidISTIndex
	case intNumber >= exceptionGateCount:
		return errNoEntryStub
	}

	handlers[intNumber] = handler
	idt[intNumber].ist = istIndex
	idt[intNumber].typeAttr = gatePresent | gateTypeInterrupt
	return nil
}

// dispatchInterrupt is invoked by the entry stubs to route an incoming
// interrupt to the registered handler. Returning from dispatchInterrupt
// resumes the interrupted code.
func dispatchInterrupt(regs *Registers) {
	if handler := handlers[uint8(regs.Vector)]; handler != nil {
		handler(regs)
		return
	}

	kfmt.Printf("\nunhandled interrupt %d\n", regs.Vector)
	regs.Dump()
	panicFn(errUnhandledInterrupt)
}
