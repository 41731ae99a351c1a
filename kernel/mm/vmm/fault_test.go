package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
	"github.com/chaos4ever/stormG4/kernel/gate"
	"github.com/chaos4ever/stormG4/kernel/kfmt"
)

func TestPageFaultHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		panicFn = kfmt.Panic
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{0x0, "read (non-present page) in kernel mode"},
		{0x1, "read (page protection violation) in kernel mode"},
		{0x2, "write (non-present page) in kernel mode"},
		{0x3, "write (page protection violation) in kernel mode"},
		{0x4, "read (non-present page) in user mode"},
		{0x5, "read (page protection violation) in user mode"},
		{0x6, "write (non-present page) in user mode"},
		{0x7, "write (page protection violation) in user mode"},
		{0x9, "read (page protection violation) in kernel mode, reserved bit set in page table entry"},
		{0x11, "instruction fetch (page protection violation) in kernel mode"},
		{0x13, "instruction fetch (page protection violation) in kernel mode"},
		{0x14, "instruction fetch (non-present page) in user mode"},
		{0x27, "write (page protection violation) in user mode, protection key violation"},
		{0xf00, "read (non-present page) in kernel mode"},
	}

	readCR2Fn = func() uint64 { return 0xdeadbeaf }

	for _, spec := range specs {
		t.Run(spec.expReason, func(t *testing.T) {
			var (
				buf      bytes.Buffer
				regs     = gate.Registers{Vector: uint64(gate.PageFaultException), Info: spec.errCode}
				panicErr interface{}
			)
			kfmt.SetOutputSink(&buf)
			panicFn = func(e interface{}) { panicErr = e }

			pageFaultHandler(&regs)

			if panicErr != errUnrecoverableFault {
				t.Fatalf("expected page fault to be fatal with errUnrecoverableFault; got %v", panicErr)
			}

			for _, exp := range []string{
				"EXCEPTION: PAGE FAULT\n",
				"Accessed address: 0x00000000deadbeaf\n",
				"Reason: " + spec.expReason + "\n",
				"Registers:\n",
			} {
				if !strings.Contains(buf.String(), exp) {
					t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
				}
			}
		})
	}
}

func TestInstallFaultHandlers(t *testing.T) {
	defer func() {
		handleInterruptFn = gate.HandleInterrupt
	}()

	var (
		gotNumber gate.InterruptNumber
		gotIST    uint8
		regErr    = &kernel.Error{Module: "test", Message: "registration failed"}
	)

	handleInterruptFn = func(intNumber gate.InterruptNumber, istIndex uint8, handler func(*gate.Registers)) *kernel.Error {
		gotNumber, gotIST = intNumber, istIndex
		if handler == nil {
			t.Fatal("expected a non-nil handler")
		}
		return nil
	}

	if err := installFaultHandlers(); err != nil {
		t.Fatal(err)
	}

	if gotNumber != gate.PageFaultException || gotIST != 0 {
		t.Fatalf("expected page fault handler to be installed at vector 14 without IST; got vector %d, IST %d", gotNumber, gotIST)
	}

	handleInterruptFn = func(gate.InterruptNumber, uint8, func(*gate.Registers)) *kernel.Error {
		return regErr
	}

	if err := installFaultHandlers(); err != regErr {
		t.Fatalf("expected registration error to be propagated; got %v", err)
	}
}
