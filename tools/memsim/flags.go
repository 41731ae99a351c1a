package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
)

var regionTypes = map[string]memmap.RegionType{
	"usable":   memmap.Usable,
	"reserved": memmap.Reserved,
	"acpi":     memmap.AcpiReclaimable,
	"nvs":      memmap.AcpiNvs,
	"bad":      memmap.BadMemory,
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
}

// regionList implements flag.Value for repeated -region flags.
type regionList []memmap.Region

func (l *regionList) String() string {
	parts := make([]string, 0, len(*l))
	for _, region := range *l {
		parts = append(parts, fmt.Sprintf("0x%x:0x%x:%s", region.Start, region.End, region.Type))
	}
	return strings.Join(parts, ",")
}

func (l *regionList) Set(value string) error {
	fields := strings.Split(value, ":")
	if len(fields) != 3 {
		return fmt.Errorf("expected start:end:type; got %q", value)
	}

	start, err := parseAddr(fields[0])
	if err != nil {
		return fmt.Errorf("invalid region start %q: %w", fields[0], err)
	}

	end, err := parseAddr(fields[1])
	if err != nil {
		return fmt.Errorf("invalid region end %q: %w", fields[1], err)
	}

	if end < start {
		return fmt.Errorf("region end 0x%x is below its start 0x%x", end, start)
	}

	regionType, ok := regionTypes[strings.ToLower(fields[2])]
	if !ok {
		return fmt.Errorf("unknown region type %q", fields[2])
	}

	*l = append(*l, memmap.Region{Start: start, End: end, Type: regionType})
	return nil
}

type mapping struct {
	virt uint64
	phys uint64
}

// mappingList implements flag.Value for repeated -map flags.
type mappingList []mapping

func (l *mappingList) String() string {
	parts := make([]string, 0, len(*l))
	for _, m := range *l {
		parts = append(parts, fmt.Sprintf("0x%x=0x%x", m.virt, m.phys))
	}
	return strings.Join(parts, ",")
}

func (l *mappingList) Set(value string) error {
	virtStr, physStr, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected virt=phys; got %q", value)
	}

	virt, err := parseAddr(virtStr)
	if err != nil {
		return fmt.Errorf("invalid virtual address %q: %w", virtStr, err)
	}

	phys, err := parseAddr(physStr)
	if err != nil {
		return fmt.Errorf("invalid physical address %q: %w", physStr, err)
	}

	*l = append(*l, mapping{virt: virt, phys: phys})
	return nil
}
