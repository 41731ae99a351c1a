package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop it performs log2(size) copy calls which is fast for
// the page-sized, page-aligned blocks it is used with.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}
