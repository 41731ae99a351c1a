package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaos4ever/stormG4/kernel"
	"github.com/chaos4ever/stormG4/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetPreHaltHook(nil)
		SetOutputSink(nil)
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)

	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	SetOutputSink(&buf)

	specs := []struct {
		descr string
		input interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"Nothing left to do!",
			"\n-----------------------------------\n[rt] unrecoverable error: Nothing left to do!\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.input)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}

func TestPanicPreHaltHook(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		SetPreHaltHook(nil)
		SetOutputSink(nil)
	}()

	var (
		buf   bytes.Buffer
		calls []string
	)

	SetOutputSink(&buf)
	cpuHaltFn = func() { calls = append(calls, "halt") }
	SetPreHaltHook(func() { calls = append(calls, "hook") })

	Panic(&kernel.Error{Module: "test", Message: "hook test"})

	if len(calls) != 2 || calls[0] != "hook" || calls[1] != "halt" {
		t.Fatalf("expected the pre-halt hook to run before halting; got call order %v", calls)
	}
}
