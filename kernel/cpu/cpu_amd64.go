// Package cpu exposes the amd64 instructions that the memory and fault
// handling code needs. All functions are implemented in cpu_amd64.s and most
// of them fault if called outside ring 0, which is why the packages using them
// access them through function variables that tests can replace.
package cpu

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Calls to Halt
// never return.
func Halt()

// Breakpoint raises a breakpoint exception (int3).
func Breakpoint()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (the contents of the CR3 register with the flag bits masked out).
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register. After a page fault,
// CR2 holds the virtual address whose access triggered the fault.
func ReadCR2() uint64

// LoadGDT loads the GDTR register with the pseudo-descriptor stored at
// gdtrAddr.
func LoadGDT(gdtrAddr uintptr)

// LoadIDT loads the IDTR register with the pseudo-descriptor stored at
// idtrAddr.
func LoadIDT(idtrAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(selector uint16)

// ReloadSegments reloads CS with codeSel (via a far return) and the DS, ES
// and SS registers with dataSel. FS and GS are left untouched as the Go
// runtime uses FS for thread-local storage.
func ReloadSegments(codeSel, dataSel uint16)

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
