package mm

import (
	"testing"

	"github.com/chaos4ever/stormG4/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
		{0xb8000, Frame(0xb8)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestFrameAllocator(t *testing.T) {
	defer SetFrameAllocator(nil)

	t.Run("no allocator registered", func(t *testing.T) {
		SetFrameAllocator(nil)
		frame, err := AllocFrame()
		if err != errNoFrameAllocator {
			t.Fatalf("expected errNoFrameAllocator; got %v", err)
		}

		if frame.Valid() {
			t.Fatal("expected an invalid frame")
		}
	})

	t.Run("custom allocator", func(t *testing.T) {
		var allocCalled bool
		customAlloc := func() (Frame, *kernel.Error) {
			allocCalled = true
			return FrameFromAddress(0xbadf00), nil
		}

		SetFrameAllocator(customAlloc)

		if _, err := AllocFrame(); err != nil {
			t.Fatal(err)
		}

		if !allocCalled {
			t.Fatal("expected custom allocator to be invoked after all to AllocFrame")
		}
	})

	t.Run("FrameAllocatorFn as FrameAllocator", func(t *testing.T) {
		var alloc FrameAllocator = FrameAllocatorFn(func() (Frame, *kernel.Error) {
			return Frame(42), nil
		})

		if got, _ := alloc.AllocFrame(); got != Frame(42) {
			t.Fatalf("expected frame 42; got %d", got)
		}
	})
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
		{0xdeadbeef000, Page(0xdeadbeef)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}
