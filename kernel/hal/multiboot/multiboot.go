// Package multiboot reads the boot information structure that a multiboot2
// compliant bootloader passes to the kernel.
package multiboot

import "unsafe"

var infoData uintptr

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. In the multiboot2 format each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates memory that the firmware flagged as defective.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemBad:
		return "bad memory"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(MemoryMapEntry) bool

// CmdLineVisitor defines a visitor function that gets invoked by
// VisitBootCmdLine for each key/value pair of the kernel command line. Flags
// without a value (e.g. "test") are reported with value set to the key. The
// visitor must return true to continue or false to abort the scan.
type CmdLineVisitor func(key, value string) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Regions are reported in the order the bootloader listed them; entries with
// an unknown type are reported as MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	if uintptr(ptrMapHeader.entrySize) < unsafe.Sizeof(MemoryMapEntry{}) {
		return
	}

	endPtr := curPtr + uintptr(size)
	curPtr += 8

	for ; curPtr+unsafe.Sizeof(MemoryMapEntry{}) <= endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry := *(*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// VisitBootCmdLine invokes visitor for each whitespace-separated "key=value"
// or "flag" token of the kernel command line. The strings passed to the
// visitor point directly into the multiboot info data so the scan does not
// allocate memory.
func VisitBootCmdLine(visitor CmdLineVisitor) {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size <= 1 {
		return
	}

	// The command line is a C-style NULL-terminated string
	cmdLine := unsafe.String((*byte)(unsafe.Pointer(curPtr)), int(size-1))
	for start := 0; start < len(cmdLine); {
		for start < len(cmdLine) && isSpace(cmdLine[start]) {
			start++
		}

		end := start
		for end < len(cmdLine) && !isSpace(cmdLine[end]) && cmdLine[end] != 0 {
			end++
		}

		if end == start {
			return
		}

		key, value := cmdLine[start:end], cmdLine[start:end]
		for sep := start; sep < end; sep++ {
			if cmdLine[sep] == '=' {
				key, value = cmdLine[start:sep], cmdLine[sep+1:end]
				break
			}
		}

		if !visitor(key, value) {
			return
		}

		start = end
	}
}

// HasBootFlag returns true if the kernel command line contains the supplied
// flag, either on its own or as the key of a key/value pair.
func HasBootFlag(flag string) bool {
	var found bool
	VisitBootCmdLine(func(key, _ string) bool {
		found = key == flag
		return !found
	})
	return found
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n'
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var (
		ptrInfo      = (*info)(unsafe.Pointer(infoData))
		endPtr       = infoData + uintptr(ptrInfo.totalSize)
		ptrTagHeader *tagHeader
	)

	for curPtr := infoData + 8; curPtr < endPtr; {
		ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr))
		if ptrTagHeader.tagType == tagMbSectionEnd || ptrTagHeader.size < 8 {
			break
		}

		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((ptrTagHeader.size + 7) & ^uint32(7))
	}

	return 0, 0
}
