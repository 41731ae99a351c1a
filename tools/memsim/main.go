// memsim runs the kernel frame allocator and page mapper against simulated
// physical memory. An anonymous mapping stands in for RAM and is exposed to
// the kernel packages through a physmem.Translator, exactly like the offset
// mapping used at boot.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/chaos4ever/stormG4/kernel/kfmt"
	"github.com/chaos4ever/stormG4/kernel/mm"
	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
	"github.com/chaos4ever/stormG4/kernel/mm/pmm"
	"github.com/chaos4ever/stormG4/kernel/mm/vmm"
	"golang.org/x/sys/unix"
)

// testPattern renders as "New!" when written to a VGA text buffer.
const testPattern = uint64(0x_f021_f077_f065_f04e)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

type options struct {
	memSize  uint64
	regions  regionList
	mappings mappingList
	exhaust  bool
}

func parseArgs(args []string) (*options, error) {
	var (
		opts    options
		memSize string
		fs      = flag.NewFlagSet("memsim", flag.ContinueOnError)
	)

	fs.StringVar(&memSize, "mem", "0x2000000", "size of the simulated physical memory in bytes")
	fs.Var(&opts.regions, "region", "memory map entry as start:end:type (usable, reserved, acpi, nvs, bad); repeatable")
	fs.Var(&opts.mappings, "map", "page mapping as virt=phys; repeatable")
	fs.BoolVar(&opts.exhaust, "exhaust", false, "allocate frames until the allocator runs out")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if opts.memSize, err = parseAddr(memSize); err != nil {
		return nil, fmt.Errorf("invalid -mem value: %w", err)
	}
	if opts.memSize < uint64(mm.PageSize) || opts.memSize%uint64(mm.PageSize) != 0 {
		return nil, errors.New("-mem must be a non-zero multiple of the page size")
	}

	if len(opts.regions) == 0 {
		opts.regions = defaultRegions(opts.memSize)
	}
	for _, region := range opts.regions {
		if region.End > opts.memSize {
			return nil, fmt.Errorf("region [0x%x, 0x%x) exceeds the simulated memory size 0x%x", region.Start, region.End, opts.memSize)
		}
	}

	if len(opts.mappings) == 0 {
		opts.mappings = mappingList{{virt: 0xdeadbeef000, phys: 0xb8000}}
	}
	for _, m := range opts.mappings {
		if m.phys+uint64(mm.PageSize) > opts.memSize {
			return nil, fmt.Errorf("mapping target 0x%x exceeds the simulated memory size 0x%x", m.phys, opts.memSize)
		}
	}

	return &opts, nil
}

// defaultRegions returns a memory map resembling the one QEMU reports for a
// machine with memSize bytes of RAM.
func defaultRegions(memSize uint64) regionList {
	regions := regionList{
		{Start: 0x0, End: 0x9fc00, Type: memmap.Usable},
		{Start: 0x9fc00, End: 0xa0000, Type: memmap.Reserved},
		{Start: 0xf0000, End: 0x100000, Type: memmap.Reserved},
	}

	if memSize > 0x100000+0x20000 {
		regions = append(regions,
			memmap.Region{Start: 0x100000, End: memSize - 0x20000, Type: memmap.Usable},
			memmap.Region{Start: memSize - 0x20000, End: memSize, Type: memmap.Reserved},
		)
	}

	return regions
}

func run(opts *options, w io.Writer) error {
	arena, err := unix.Mmap(-1, 0, int(opts.memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("unable to allocate simulated memory: %w", err)
	}
	defer func() { _ = unix.Munmap(arena) }()

	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(w)
	defer mm.SetFrameAllocator(nil)

	translator := physmem.New(uintptr(unsafe.Pointer(&arena[0])))
	fmt.Fprintf(w, "[memsim] simulated physical memory: %dKb at 0x%x\n", opts.memSize/uint64(mm.Kb), translator.Offset())

	pmm.Init(memmap.Regions(opts.regions), &translator)

	root, kErr := mm.AllocFrame()
	if kErr != nil {
		return fmt.Errorf("unable to allocate the top-level page table: %w", kErr)
	}
	translator.ZeroFrame(root)
	fmt.Fprintf(w, "[memsim] page table root: 0x%x\n", root.Address())

	mapper := vmm.NewMapper(&translator, root, func(uintptr) {})
	for _, m := range opts.mappings {
		if err = checkMapping(&mapper, &translator, arena, m, w); err != nil {
			return err
		}
	}

	free, used := pmm.Stats()
	fmt.Fprintf(w, "[memsim] frames used: %d, free: %d\n", used, free)

	if opts.exhaust {
		var count uint64
		for ; ; count++ {
			if _, kErr = mm.AllocFrame(); kErr != nil {
				break
			}
		}
		if count != free {
			return fmt.Errorf("allocator handed out %d frames; expected %d", count, free)
		}
		fmt.Fprintf(w, "[memsim] allocated %d frames before: %s\n", count, kErr.Message)
	}

	return nil
}

// checkMapping maps m, writes testPattern through the mapping and reads it
// back from the simulated memory at the target physical address.
func checkMapping(mapper *vmm.Mapper, translator *physmem.Translator, arena []byte, m mapping, w io.Writer) error {
	page := mm.PageFromAddress(uintptr(m.virt))
	frame := mm.FrameFromAddress(uintptr(m.phys))

	if kErr := mapper.Map(page, frame, vmm.FlagRW, nil); kErr != nil {
		return fmt.Errorf("map 0x%x -> 0x%x: %w", m.virt, m.phys, kErr)
	}

	physAddr, kErr := mapper.Translate(uintptr(m.virt))
	if kErr != nil {
		return fmt.Errorf("translate 0x%x: %w", m.virt, kErr)
	}

	*(*uint64)(unsafe.Pointer(translator.PhysToVirt(physAddr))) = testPattern
	if got := binary.LittleEndian.Uint64(arena[physAddr:]); got != testPattern {
		return fmt.Errorf("map 0x%x -> 0x%x: read back 0x%x instead of 0x%x", m.virt, m.phys, got, testPattern)
	}

	// A second mapping of the same page to a different frame must be rejected
	if kErr = mapper.Map(page, frame+1, vmm.FlagRW, nil); kErr != vmm.ErrMappingConflict {
		return fmt.Errorf("map 0x%x -> 0x%x: expected a mapping conflict; got %v", m.virt, (frame + 1).Address(), kErr)
	}

	fmt.Fprintf(w, "[memsim] map 0x%x -> 0x%x: [ok]\n", m.virt, physAddr)
	return nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		exit(err)
	}

	if err = run(opts, os.Stdout); err != nil {
		exit(err)
	}
}
