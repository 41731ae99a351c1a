package kfmt

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// preHaltFn, if set, runs after the panic banner is printed and before
	// the CPU is halted.
	preHaltFn func()

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetPreHaltHook registers a function that Panic invokes right before halting
// the CPU. The test harness uses it to report the failure through the QEMU
// exit device.
func SetPreHaltHook(fn func()) {
	preHaltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic is also the redirect target for
// calls to panic() made by kernel code.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if preHaltFn != nil {
		preHaltFn()
	}

	cpuHaltFn()
}

// panicString is the redirect target for runtime.throw.
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
