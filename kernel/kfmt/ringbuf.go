package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that captures Printf
// output produced before the serial port is ready. 4K is enough to hold the
// boot banner and the memory map dump of a typical QEMU machine. The ring
// buffer size must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer models a ring buffer of size ringBufferSize. Once full, new
// writes overwrite the oldest unread bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once all buffered bytes have been consumed.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read up to the write index or, if the data wraps around, up to the
	// end of the backing array.
	limit := rb.wIndex
	if rb.rIndex > rb.wIndex {
		limit = len(rb.buffer)
	}

	n = copy(p, rb.buffer[rb.rIndex:limit])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
