package gate

import (
	"encoding/binary"
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/mm"
)

// Segment indices.
const (
	_          = iota // Null descriptor first.
	segKcode          // Kernel code (64-bit).
	segKdata          // Kernel data.
	segTss            // Task segment descriptor.
	segTssHi          // Upper bits for TSS.
	segLast           // Last segment (terminal, not included).
)

// Selector is a segment selector.
type Selector uint16

// Selectors.
const (
	KernelCodeSelector Selector = segKcode << 3
	KernelDataSelector Selector = segKdata << 3
	TSSSelector        Selector = segTss << 3
)

const (
	// DoubleFaultISTIndex is the interrupt stack table slot that holds
	// the double fault stack.
	DoubleFaultISTIndex = 1

	// doubleFaultStackSize is the size of the stack that the CPU switches
	// to when delivering a double fault.
	doubleFaultStackSize = 4 * mm.PageSize
)

// segmentDescriptorFlags are typed flags within the upper half of a
// descriptor.
type segmentDescriptorFlags uint32

const (
	segmentDescriptorAccess  segmentDescriptorFlags = 1 << 8  // Access bit.
	segmentDescriptorWrite                          = 1 << 9  // Write permission.
	segmentDescriptorExecute                        = 1 << 11 // Execute permission.
	segmentDescriptorSystem                         = 1 << 12 // Zero => system, 1 => code/data.
	segmentDescriptorPresent                        = 1 << 15 // Present.
	segmentDescriptorLong                           = 1 << 21 // Long mode.
	segmentDescriptorG                              = 1 << 23 // Granularity: page or byte.

	// segmentTypeTSS64 is the system segment type of an available 64-bit TSS.
	segmentTypeTSS64 = 0x9 << 8
)

// segmentDescriptor is an 8-byte GDT entry.
type segmentDescriptor struct {
	bits [2]uint32
}

func (d *segmentDescriptor) set(base, limit uint32, flags segmentDescriptorFlags) {
	flags |= segmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= segmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags)
}

func (d *segmentDescriptor) setCode64() {
	d.set(0, 0xFFFFFFFF, segmentDescriptorAccess|segmentDescriptorLong|segmentDescriptorExecute|segmentDescriptorSystem)
}

func (d *segmentDescriptor) setData() {
	d.set(0, 0xFFFFFFFF, segmentDescriptorAccess|segmentDescriptorWrite|segmentDescriptorSystem)
}

// setTSS fills the 16-byte system descriptor for a 64-bit TSS. It spans d
// and the entry that follows it.
func setTSS(lo, hi *segmentDescriptor, base uint64, limit uint32) {
	lo.set(uint32(base), limit, segmentTypeTSS64)
	hi.bits[0] = uint32(base >> 32)
	hi.bits[1] = 0
}

// taskStateSegment is the 64-bit task state structure. The 64-bit fields
// are split as the structure is not naturally aligned.
type taskStateSegment struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32
	ist            [7][2]uint32
	_              [2]uint32
	_              uint16
	ioPerm         uint16
}

// setIST points interrupt stack table slot index (1-7) at stackTop.
func (t *taskStateSegment) setIST(index uint8, stackTop uintptr) {
	t.ist[index-1][0] = uint32(stackTop)
	t.ist[index-1][1] = uint32(uint64(stackTop) >> 32)
}

// istEntry returns the stack address stored in slot index (1-7).
func (t *taskStateSegment) istEntry(index uint8) uintptr {
	return uintptr(uint64(t.ist[index-1][1])<<32 | uint64(t.ist[index-1][0]))
}

// pseudoDescriptor is the 10-byte operand of the LGDT and LIDT instructions.
type pseudoDescriptor [10]byte

func (d *pseudoDescriptor) set(base uintptr, limit uint16) {
	binary.LittleEndian.PutUint16(d[0:], limit)
	binary.LittleEndian.PutUint64(d[2:], uint64(base))
}

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn          = cpu.LoadGDT
	reloadSegmentsFn   = cpu.ReloadSegments
	loadTaskRegisterFn = cpu.LoadTaskRegister

	gdt              [segLast]segmentDescriptor
	gdtDescriptor    pseudoDescriptor
	tss              taskStateSegment
	doubleFaultStack [doubleFaultStackSize]byte
)

// LoadGDT builds the GDT and TSS, loads them and reloads the segment
// registers. The TSS interrupt stack table slot DoubleFaultISTIndex points at
// the top of a dedicated double fault stack.
func LoadGDT() *kernel.Error {
	if state != Uninitialized {
		return errInvalidTransition
	}

	// The CPU aligns the stack pointer to 16 bytes before pushing the
	// interrupt frame.
	stackTop := (uintptr(unsafe.Pointer(&doubleFaultStack[0])) + doubleFaultStackSize) &^ 15
	tss.setIST(DoubleFaultISTIndex, stackTop)
	tss.ioPerm = uint16(unsafe.Sizeof(tss))

	gdt[segKcode].setCode64()
	gdt[segKdata].setData()
	setTSS(&gdt[segTss], &gdt[segTssHi], uint64(uintptr(unsafe.Pointer(&tss))), uint32(unsafe.Sizeof(tss)-1))

	gdtDescriptor.set(uintptr(unsafe.Pointer(&gdt[0])), uint16(unsafe.Sizeof(gdt)-1))
	loadGDTFn(uintptr(unsafe.Pointer(&gdtDescriptor)))
	reloadSegmentsFn(uint16(KernelCodeSelector), uint16(KernelDataSelector))
	loadTaskRegisterFn(uint16(TSSSelector))

	state = GDTLoaded
	return nil
}
