package kmain

import (
	"testing"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/gate"
	"github.com/chaos4ever/stormG4/kernel/mm/memmap"
	"github.com/chaos4ever/stormG4/kernel/mm/physmem"
	"github.com/chaos4ever/stormG4/kernel/mm/pmm"
	"github.com/chaos4ever/stormG4/kernel/mm/vmm"
	"github.com/chaos4ever/stormG4/kernel/trap"
)

func resetInitCoreFns() {
	loadGDTFn = gate.LoadGDT
	loadIDTFn = gate.LoadIDT
	trapInitFn = trap.Init
	vmmInitFn = vmm.Init
	pmmInitFn = pmm.Init
	activeMapperFn = vmm.ActiveMapper
	activateFn = gate.Activate
	physMem = physmem.Translator{}
}

// mockInitCore replaces the boot steps with functions that record their
// invocation order. The step named failAt returns failErr.
func mockInitCore(calls *[]string, failAt string, failErr *kernel.Error) *vmm.Mapper {
	var mapper vmm.Mapper

	step := func(name string) *kernel.Error {
		*calls = append(*calls, name)
		if name == failAt {
			return failErr
		}
		return nil
	}

	loadGDTFn = func() *kernel.Error { return step("gdt") }
	loadIDTFn = func() *kernel.Error { return step("idt") }
	trapInitFn = func() *kernel.Error { return step("traps") }
	vmmInitFn = func() *kernel.Error { return step("page fault handler") }
	pmmInitFn = func(memmap.Source, *physmem.Translator) { _ = step("frame allocator") }
	activeMapperFn = func(*physmem.Translator) (*vmm.Mapper, *kernel.Error) {
		if err := step("active mapper"); err != nil {
			return nil, err
		}
		return &mapper, nil
	}
	activateFn = func() *kernel.Error { return step("activate") }

	return &mapper
}

func TestInitCore(t *testing.T) {
	defer resetInitCoreFns()

	var calls []string
	expMapper := mockInitCore(&calls, "", nil)

	mapper, err := initCore(0xffff800000000000)
	if err != nil {
		t.Fatal(err)
	}

	if mapper != expMapper {
		t.Fatal("expected initCore to return the active mapper")
	}

	if exp := uintptr(0xffff800000000000); physMem.Offset() != exp {
		t.Fatalf("expected physical memory offset to be 0x%x; got 0x%x", exp, physMem.Offset())
	}

	// Every exception handler must be installed before the frame allocator
	// touches physical memory.
	exp := []string{"gdt", "idt", "traps", "page fault handler", "frame allocator", "active mapper", "activate"}
	if len(calls) != len(exp) {
		t.Fatalf("expected boot steps %v; got %v", exp, calls)
	}
	for i := range exp {
		if calls[i] != exp[i] {
			t.Fatalf("expected boot steps %v; got %v", exp, calls)
		}
	}
}

func TestInitCoreErrors(t *testing.T) {
	defer resetInitCoreFns()

	expErr := &kernel.Error{Module: "test", Message: "step failed"}

	specs := []struct {
		failAt   string
		expCalls int
	}{
		{"gdt", 1},
		{"idt", 2},
		{"traps", 3},
		{"page fault handler", 4},
		{"active mapper", 6},
		{"activate", 7},
	}

	for _, spec := range specs {
		t.Run(spec.failAt, func(t *testing.T) {
			var calls []string
			mockInitCore(&calls, spec.failAt, expErr)

			mapper, err := initCore(0)
			if err != expErr {
				t.Fatalf("expected error %v; got %v", expErr, err)
			}
			if mapper != nil {
				t.Fatal("expected a nil mapper on error")
			}
			if len(calls) != spec.expCalls {
				t.Fatalf("expected boot to stop after %d steps; got %v", spec.expCalls, calls)
			}
		})
	}
}
