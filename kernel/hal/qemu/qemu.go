// Package qemu talks to the isa-debug-exit device that QEMU exposes when it
// is started with "-device isa-debug-exit,iobase=0xf4,iosize=0x04".
package qemu

import "github.com/chaos4ever/stormG4/kernel/cpu"

// ExitCode is written to the exit device. QEMU terminates with status
// (code << 1) | 1.
type ExitCode uint32

const (
	// ExitSuccess makes QEMU exit with status 33.
	ExitSuccess ExitCode = 0x10

	// ExitFailed makes QEMU exit with status 35.
	ExitFailed ExitCode = 0x11

	exitPort = 0xf4
)

var (
	// portWriteDwordFn is mocked by tests and is automatically inlined by
	// the compiler.
	portWriteDwordFn = cpu.PortWriteDword
)

// Exit asks QEMU to terminate with the supplied code. When not running
// under QEMU the write is ignored and Exit returns.
func Exit(code ExitCode) {
	portWriteDwordFn(exitPort, uint32(code))
}
