// Package pmm implements the physical frame allocator. Free frames are
// discovered from the boot memory map and kept in a list that lives inside
// the free frames themselves.
package pmm

import (
	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
)

var (
	// allocator is the frame allocator used by the kernel.
	allocator FreeListAllocator

	// totalUsable accumulates the usable memory size while the memory map
	// is printed.
	totalUsable mm.Size
)

// Init prints the system memory map, populates the kernel frame allocator
// from it and registers the allocator with mm.SetFrameAllocator.
func Init(source memmap.Source, translator *physmem.Translator) {
	printMemoryMap(source)

	allocator.Init(source, translator)
	kfmt.Printf("[pmm] free frames: %d\n", allocator.FreeFrames())

	mm.SetFrameAllocator(allocFrame)
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return allocator.AllocFrame()
}

// printMemoryMap scans the memory map and prints out each region and the
// total amount of usable memory.
func printMemoryMap(source memmap.Source) {
	kfmt.Printf("[pmm] system memory map:\n")
	totalUsable = 0
	source.VisitRegions(printRegion)
	kfmt.Printf("[pmm] usable memory: %dKb\n", uint64(totalUsable/mm.Kb))
}

func printRegion(region memmap.Region) bool {
	kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.Size(), region.Type.String())

	if region.Type == memmap.Usable {
		totalUsable += mm.Size(region.Size())
	}
	return true
}

// Stats returns the number of free and allocated frames of the kernel frame
// allocator.
func Stats() (free, used uint64) {
	return allocator.FreeFrames(), allocator.UsedFrames()
}
