// Package gate sets up the descriptor tables that route CPU exceptions to
// Go handlers: the GDT with a task state segment whose interrupt stack
// table provides a known-good stack for double faults, and the IDT.
//
// The tables are built once during boot. LoadGDT, LoadIDT and Activate must
// be called in this order; handlers can only be registered between LoadIDT
// and Activate.
package gate

import (
	"io"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception
// occurs. The layout matches the stack frame built by the entry stubs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt number that triggered the entry.
	Vector uint64

	// Info contains the exception error code for exceptions that push
	// one and 0 for all others.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "VEC = %16x ERR = %16x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// dumpWriter indents register dumps and sends them wherever kfmt.Printf
// currently writes.
var dumpWriter = kfmt.PrefixWriter{Prefix: []byte("    ")}

// Dump writes the register contents to the active kfmt output.
func (r *Registers) Dump() {
	r.DumpTo(&dumpWriter)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug occurs on single-step traps and hardware breakpoint matches.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction. The saved RIP points
	// to the instruction following INT3.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

// InitState describes how far the descriptor table setup has progressed.
type InitState uint8

const (
	// Uninitialized is the state before LoadGDT.
	Uninitialized InitState = iota

	// GDTLoaded is reached once the GDT, the TSS and the segment
	// registers are set up.
	GDTLoaded

	// IDTLoaded is reached once the IDT is loaded. Handlers can be
	// registered in this state.
	IDTLoaded

	// Active is the final state. The tables are not modified any further.
	Active
)

// String implements fmt.Stringer for InitState.
func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case GDTLoaded:
		return "GDT loaded"
	case IDTLoaded:
		return "IDT loaded"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

var (
	state InitState

	errInvalidTransition  = &kernel.Error{Module: "gate", Message: "descriptor tables set up out of order"}
	errInvalidISTIndex    = &kernel.Error{Module: "gate", Message: "IST index must be in the range [0, 7]"}
	errNoEntryStub        = &kernel.Error{Module: "gate", Message: "no entry stub for interrupt number"}
	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "interrupt without registered handler"}
)

// State returns the current descriptor table setup state.
func State() InitState {
	return state
}

// Activate completes the descriptor table setup. No handlers can be
// registered afterwards.
func Activate() *kernel.Error {
	if state != IDTLoaded {
		return errInvalidTransition
	}

	state = Active
	return nil
}
