package vm

import (
	"encoding/binary"
	"testing"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
)

// wordTD describes a frame with n consecutive word-sized, pointer-free
// local slots, laid out at offsets 0, 8, 16, ...
func wordTD(n int) *heap.TypeDesc {
	return &heap.TypeDesc{Size: n * heap.WordSize}
}

func newTestThread(h *heap.Heap, mod *loader.Module, extent int) *Thread {
	th := AsThread(NewThreadAlloc(h, 0, 0, extent))
	th.EnterModule(&loader.ModRef{Module: mod})
	return th
}

// TestStepIntegerAdd exercises the full Engine.Step path (decode,
// dispatch, pc advance) for a single addw instruction reading its two
// operands out of frame-local storage.
func TestStepIntegerAdd(t *testing.T) {
	h := heap.New()
	td := wordTD(3) // src@0, mid@8, dest@16

	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Code: []loader.Instruction{
			{
				Op:          loader.OpAddw,
				Source:      loader.Operand{Mode: loader.AddrOffsetIndirectFP, Reg1: 0},
				Middle:      loader.Middle{Mode: loader.MidSmallOffsetIndirectFP, Reg1: 8},
				Destination: loader.Operand{Mode: loader.AddrOffsetIndirectFP, Reg1: 16},
			},
		},
	}

	th := newTestThread(h, mod, 4096)
	fr, err := th.Regs.Stack.AllocFrame(td)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	th.Regs.Stack.PushFrame()

	binary.BigEndian.PutUint32(fr.Locals[0:], 17)
	binary.BigEndian.PutUint32(fr.Locals[8:], 25)

	e := NewEngine(h, nil)
	if err := e.Step(th); err != nil {
		t.Fatalf("Step: %v", err)
	}

	got := int32(binary.BigEndian.Uint32(fr.Locals[16:]))
	if got != 42 {
		t.Fatalf("dest = %d, want 42", got)
	}
	if th.Regs.PC != 1 {
		t.Fatalf("PC = %d, want 1", th.Regs.PC)
	}
}

// TestStepDivideByZeroUnwindsToHandler confirms a raised built-in
// exception is caught by a handler frame covering the faulting pc,
// rather than surfacing as a Step error.
func TestStepDivideByZeroUnwindsToHandler(t *testing.T) {
	h := heap.New()
	td := wordTD(3) // src(divisor)@0, mid(dividend)@8, dest@16, also exception slot@0

	const handlerPC = 5
	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Code: []loader.Instruction{
			{
				Op:          loader.OpDivw,
				Source:      loader.Operand{Mode: loader.AddrOffsetIndirectFP, Reg1: 0},
				Middle:      loader.Middle{Mode: loader.MidSmallOffsetIndirectFP, Reg1: 8},
				Destination: loader.Operand{Mode: loader.AddrOffsetIndirectFP, Reg1: 16},
			},
		},
		Handlers: []loader.Handler{
			{
				BeginPC:            0,
				EndPC:              1,
				ExceptionOffset:    0,
				ExceptionTypeCount: 0,
				Table:              []loader.ExceptionCase{{Name: "", PC: handlerPC}},
			},
		},
	}

	th := newTestThread(h, mod, 4096)
	fr, err := th.Regs.Stack.AllocFrame(td)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	th.Regs.Stack.PushFrame()

	binary.BigEndian.PutUint32(fr.Locals[0:], 0)  // divisor
	binary.BigEndian.PutUint32(fr.Locals[8:], 10) // dividend

	e := NewEngine(h, nil)
	if err := e.Step(th); err != nil {
		t.Fatalf("Step returned a fatal error instead of being caught: %v", err)
	}
	if th.Regs.PC != handlerPC {
		t.Fatalf("PC = %d, want %d (handler entry)", th.Regs.PC, handlerPC)
	}
	if th.Regs.State == Broken {
		t.Fatalf("thread state is Broken, want the handler to have caught the exception")
	}
}

// TestStepUncaughtExceptionBreaksThread confirms a divide-by-zero with
// no covering handler at all propagates all the way to Broken.
func TestStepUncaughtExceptionBreaksThread(t *testing.T) {
	h := heap.New()
	td := wordTD(3)

	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Code: []loader.Instruction{
			{
				Op:          loader.OpDivw,
				Source:      loader.Operand{Mode: loader.AddrOffsetIndirectFP, Reg1: 0},
				Middle:      loader.Middle{Mode: loader.MidSmallOffsetIndirectFP, Reg1: 8},
				Destination: loader.Operand{Mode: loader.AddrOffsetIndirectFP, Reg1: 16},
			},
		},
	}

	th := newTestThread(h, mod, 4096)
	fr, err := th.Regs.Stack.AllocFrame(td)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	th.Regs.Stack.PushFrame()
	binary.BigEndian.PutUint32(fr.Locals[0:], 0)

	e := NewEngine(h, nil)
	if err := e.Step(th); err == nil {
		t.Fatalf("Step succeeded, want the uncaught exception surfaced as an error")
	}
	if th.Regs.State != Broken {
		t.Fatalf("State = %v, want Broken", th.Regs.State)
	}
}
