// Package trap installs the handlers for CPU exceptions that are not tied to
// a particular subsystem.
package trap

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

	errDoubleFault            = &kernel.Error{Module: "trap", Message: "double fault"}
	errGeneralProtectionFault = &kernel.Error{Module: "trap", Message: "general protection fault"}
)

// Init installs the breakpoint, double fault and general protection fault
// handlers. The double fault handler runs on the dedicated IST stack so it
// can report faults caused by a corrupted or exhausted kernel stack.
func Init() *kernel.Error {
	if err := handleInterruptFn(gate.Breakpoint, 0, breakpointHandler); err != nil {
		return err
	}

	if err := handleInterruptFn(gate.DoubleFault, gate.DoubleFaultISTIndex, doubleFaultHandler); err != nil {
		return err
	}

	return handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// breakpointHandler reports an INT3 and resumes execution at the
// instruction that follows it.
func breakpointHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: BREAKPOINT\n")
	regs.Dump()
}

func doubleFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: DOUBLE FAULT\n")
	regs.Dump()

	panicFn(errDoubleFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: GENERAL PROTECTION FAULT (error code: 0x%x)\n", regs.Info)
	regs.Dump()

	panicFn(errGeneralProtectionFault)
}
