// Package memmap describes the physical memory layout reported by the boot
// environment as an ordered sequence of typed address ranges.
package memmap

import "github.com/chaos4ever/stormG4/kernel/hal/multiboot"

// RegionType classifies a physical memory region.
type RegionType uint8

const (
	// Usable memory is free for the kernel to hand out.
	Usable RegionType = iota

	// Reserved memory is in use by firmware or devices.
	Reserved

	// AcpiReclaimable memory holds ACPI tables that may be reused once
	// they have been parsed.
	AcpiReclaimable

	// AcpiNvs memory must be preserved across sleep states.
	AcpiNvs

	// BadMemory was flagged as defective by the firmware.
	BadMemory
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "ACPI (reclaimable)"
	case AcpiNvs:
		return "ACPI NVS"
	case BadMemory:
		return "bad memory"
	default:
		return "unknown"
	}
}

// Region describes the physical address range [Start, End) and its type.
type Region struct {
	Start uint64
	End   uint64
	Type  RegionType
}

// Size returns the region length in bytes.
func (r Region) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Visitor is invoked for each region of a memory map. It returns false to
// stop the scan.
type Visitor func(Region) bool

// Source is implemented by memory map providers. VisitRegions must report
// regions in the order supplied by the boot environment and must be
// callable more than once with identical results.
type Source interface {
	VisitRegions(Visitor)
}

// Regions is a memory map held in a plain slice.
type Regions []Region

// VisitRegions implements Source.
func (r Regions) VisitRegions(visitor Visitor) {
	for _, region := range r {
		if !visitor(region) {
			return
		}
	}
}

// Multiboot is a Source backed by the memory map tag of the multiboot info
// structure registered with multiboot.SetInfoPtr.
var Multiboot Source = multibootSource{}

type multibootSource struct{}

// VisitRegions implements Source.
func (multibootSource) VisitRegions(visitor Visitor) {
	multiboot.VisitMemRegions(func(entry multiboot.MemoryMapEntry) bool {
		return visitor(Region{
			Start: entry.PhysAddress,
			End:   entry.PhysAddress + entry.Length,
			Type:  regionTypeFromMultiboot(entry.Type),
		})
	})
}

func regionTypeFromMultiboot(t multiboot.MemoryEntryType) RegionType {
	switch t {
	case multiboot.MemAvailable:
		return Usable
	case multiboot.MemAcpiReclaimable:
		return AcpiReclaimable
	case multiboot.MemNvs:
		return AcpiNvs
	case multiboot.MemBad:
		return BadMemory
	default:
		return Reserved
	}
}
