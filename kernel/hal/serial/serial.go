// Package serial drives 16550-compatible UARTs through x86 port I/O.
package serial

import "github.com/chaos4ever/stormG4/kernel/cpu"

// UART register offsets from the port base.
const (
	regData        = 0
	regIntEnable   = 1
	regFifoControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	lineControlDLAB    = 0x80
	lineControl8N1     = 0x03
	fifoEnableClear14  = 0xc7
	modemCtrlRtsDtrOut = 0x0b

	lineStatusTxEmpty = 0x20

	// baudDivisor selects 38400 baud from the 115200 Hz UART clock.
	baudDivisor = 3
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	// COM1 is the first serial port. Once initialized, it can be passed
	// to kfmt.SetOutputSink.
	COM1 = Port{base: 0x3f8}
)

// Port is a polled 16550 UART that implements io.Writer.
type Port struct {
	base uint16
}

// Init programs the UART for 38400 baud 8N1 operation with FIFOs enabled
// and its interrupts disabled.
func (p *Port) Init() {
	portWriteByteFn(p.base+regIntEnable, 0x00)
	portWriteByteFn(p.base+regLineControl, lineControlDLAB)
	portWriteByteFn(p.base+regData, baudDivisor&0xff)
	portWriteByteFn(p.base+regIntEnable, baudDivisor>>8)
	portWriteByteFn(p.base+regLineControl, lineControl8N1)
	portWriteByteFn(p.base+regFifoControl, fifoEnableClear14)
	portWriteByteFn(p.base+regModemCtrl, modemCtrlRtsDtrOut)
}

// Write sends p to the UART, translating "\n" to "\r\n". It blocks until
// the transmitter has accepted every byte and never fails.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(b)
	}

	return len(data), nil
}

func (p *Port) writeByte(b byte) {
	for portReadByteFn(p.base+regLineStatus)&lineStatusTxEmpty == 0 {
	}
	portWriteByteFn(p.base+regData, b)
}
