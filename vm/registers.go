package vm

import (
	"sync/atomic"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/stack"
	"j5.nz/disvm/types"
)

// TrapFlags are per-thread debugger trap bits (§4.D "Trap flags").
type TrapFlags uint32

// TrapInstruction asks the engine to fire a "trap" event after the next
// instruction, then clear itself.
const TrapInstruction TrapFlags = 1 << 0

// Dispatcher is the subset of tool.Dispatcher the engine calls into on
// every instruction when one is attached (§4.I). Declared here, rather
// than importing package tool, so tool can depend on vm instead of the
// reverse.
type Dispatcher interface {
	// Suspended reports whether the dispatcher wants every thread
	// parked at its next instruction boundary.
	Suspended() bool
	// ParkWhileSuspended blocks the calling thread until suspension
	// is lifted, for the duration of a single instruction boundary.
	ParkWhileSuspended(th *Thread)
	// Breakpoint is consulted when the engine is about to execute a
	// synthetic brkpt opcode; it returns the original opcode that was
	// patched out and fires the breakpoint event.
	Breakpoint(th *Thread) (original loader.Opcode, ok bool)
	// Trap fires the "trap" event after a single-stepped instruction.
	Trap(th *Thread)
}

type dispatcherHolder struct{ d Dispatcher }

// Registers is the per-thread register file (§3 "Registers").
type Registers struct {
	PC, NextPC int32

	Stack  *stack.Stack
	Module *loader.ModRef
	MP     []byte // cached from Module's MP payload; nil for a built-in's empty MP

	Src, Mid, Dest []byte // populated by the address decoder each step

	State   ThreadState
	Quantum int
	Trap    TrapFlags

	RequestMutex *types.RequestMutex

	// PendingFrame is the most recently frame/mframe-allocated handle
	// not yet consumed by its matching call/mcall/spawn/mspawn. It is
	// only reachable through the Dest register in between those two
	// instructions, which the collector's root set (§4.H: MP, stack
	// frames, previous-module-reference MP) does not otherwise name —
	// the scheduler's gc package roots it explicitly so a GC epoch
	// landing between frame and call can't reclaim it out from under
	// the call sequence.
	PendingFrame *heap.Alloc

	dispatcher atomic.Pointer[dispatcherHolder]
	imm        [8]byte // scratch buffer for AddrImmediate/MidSmallImmediate operands
}

// LoadDispatcher atomically reads the attached tool dispatcher, or nil.
func (r *Registers) LoadDispatcher() Dispatcher {
	h := r.dispatcher.Load()
	if h == nil {
		return nil
	}
	return h.d
}

// StoreDispatcher atomically installs (or, with d == nil, clears) the
// tool dispatcher.
func (r *Registers) StoreDispatcher(d Dispatcher) {
	if d == nil {
		r.dispatcher.Store(nil)
		return
	}
	r.dispatcher.Store(&dispatcherHolder{d: d})
}
