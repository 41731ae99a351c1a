package vmm

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/gate"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleInterruptFn = gate.HandleInterrupt
	panicFn           = kfmt.Panic
)

func installFaultHandlers() *kernel.Error {
	return handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
}

// Page fault error code bits.
const (
	pfProtectionViolation = 1 << 0
	pfWrite               = 1 << 1
	pfUserMode            = 1 << 2
	pfReservedBit         = 1 << 3
	pfInstructionFetch    = 1 << 4
	pfProtectionKey       = 1 << 5
)

// pageFaultHandler is invoked when a page table entry along the path to the
// accessed address is not present or when a privilege and/or RW protection
// check fails. Page faults are not recoverable.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nEXCEPTION: PAGE FAULT\nAccessed address: 0x%16x\nReason: ", faultAddress)
	printPageFaultReason(regs.Info)
	kfmt.Printf("\n")
	kfmt.Printf("\nRegisters:\n")
	regs.Dump()

	panicFn(errUnrecoverableFault)
}

// printPageFaultReason decodes each bit of a page fault error code: the
// access type, whether the page was present, the privilege level of the
// access and any page table or protection key errors.
func printPageFaultReason(errorCode uint64) {
	switch {
	case errorCode&pfInstructionFetch != 0:
		kfmt.Printf("instruction fetch")
	case errorCode&pfWrite != 0:
		kfmt.Printf("write")
	default:
		kfmt.Printf("read")
	}

	if errorCode&pfProtectionViolation != 0 {
		kfmt.Printf(" (page protection violation)")
	} else {
		kfmt.Printf(" (non-present page)")
	}

	if errorCode&pfUserMode != 0 {
		kfmt.Printf(" in user mode")
	} else {
		kfmt.Printf(" in kernel mode")
	}

	if errorCode&pfReservedBit != 0 {
		kfmt.Printf(", reserved bit set in page table entry")
	}

	if errorCode&pfProtectionKey != 0 {
		kfmt.Printf(", protection key violation")
	}
}
