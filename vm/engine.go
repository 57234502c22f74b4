package vm

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
)

// HandlerFunc executes one decoded instruction against th's registers.
// It may overwrite th.Regs.NextPC (branches/calls), raise a Limbo
// exception (return an *Exception), or fail with a host/system error.
type HandlerFunc func(e *Engine, th *Thread, instr loader.Instruction) error

// OpBrkpt is the synthetic breakpoint opcode (§4.D "Breakpoint"): not
// part of the module file format, only ever written into a loaded
// module's decoded code section by the tool package when patching in a
// breakpoint.
const OpBrkpt = loader.LastOpcode + 1

// BuiltinModule is a built-in (native) module's function table, indexed
// by the slot number ModRef import-resolution assigns it (§4.D "mcall
// to a built-in module").
type BuiltinModule interface {
	Invoke(index int32, th *Thread) error
}

// BuiltinRegistry resolves a loaded built-in module by name.
type BuiltinRegistry interface {
	Lookup(moduleName string) (BuiltinModule, bool)
}

// Spawner hands a freshly constructed thread off to whatever owns
// scheduling (component H); the vm package only builds the thread and
// its entry frame (forkThread in opcodes_control.go, for spawn/mspawn)
// and does not schedule it itself.
type Spawner interface {
	Spawn(threadAlloc *heap.Alloc)
}

// SchedulerControl lets a channel request's completion callback hand a
// blocked thread back to whatever runs the cooperative scheduler,
// mirroring the original's vm_t::get_scheduler_control().
// enqueue_blocked_thread, called from send/recv/alt's request-handled
// callbacks.
type SchedulerControl interface {
	EnqueueBlockedThread(threadID uint32)
}

// Engine is the instruction dispatcher: the heap it operates over, the
// opcode handler table, and the external collaborators (§1) a running
// VM needs (module resolution, built-ins, the scheduler).
type Engine struct {
	Heap      *heap.Heap
	Resolver  loader.Resolver
	Builtins  BuiltinRegistry
	Spawner   Spawner
	Scheduler SchedulerControl

	handlers [int(OpBrkpt) + 1]HandlerFunc

	// threadSeq hands out spawned-thread ids (root_vm_thread_id 0 is
	// reserved for the entry thread the host creates directly).
	threadSeq uint32
}

// nextThreadID returns the next id for a spawn/mspawn-forked thread.
func (e *Engine) nextThreadID() uint32 {
	return atomic.AddUint32(&e.threadSeq, 1)
}

// NewEngine builds an Engine with every opcode family's handlers
// registered.
func NewEngine(h *heap.Heap, resolver loader.Resolver) *Engine {
	e := &Engine{Heap: h, Resolver: resolver}
	registerArithmetic(e)
	registerBranch(e)
	registerFixedPoint(e)
	registerMove(e)
	registerConvert(e)
	registerString(e)
	registerCase(e)
	registerArray(e)
	registerChannel(e)
	registerControl(e)
	registerMisc(e)
	return e
}

func (e *Engine) register(op loader.Opcode, fn HandlerFunc) {
	e.handlers[op] = fn
}

// Step executes exactly one instruction on th. Returns an error only
// when the thread moves to Broken; exceptions that are caught by a
// handler frame are resolved internally and Step returns nil.
func (e *Engine) Step(th *Thread) error {
	r := &th.Regs
	mod := r.Module.Module
	if r.PC < 0 || int(r.PC) >= len(mod.Code) {
		return e.systemFault(th, errors.Errorf("pc %d out of range for module %q", r.PC, mod.Name))
	}
	instr := mod.Code[r.PC]

	op := instr.Op
	if op == OpBrkpt {
		d := r.LoadDispatcher()
		if d == nil {
			return e.systemFault(th, errors.New("brkpt hit with no tool dispatcher attached"))
		}
		orig, ok := d.Breakpoint(th)
		if !ok {
			return e.systemFault(th, errors.New("brkpt side table missing entry"))
		}
		op = orig
	}

	fr := r.Stack.PeekFrame()
	if fr == nil {
		r.State = EmptyStack
		return nil
	}
	decodeOperands(e.Heap, r, fr.Locals, instr)

	r.NextPC = r.PC + 1
	handler := e.handlers[op]
	if handler == nil {
		return e.systemFault(th, errors.Errorf("opcode %d has no handler", op))
	}

	if err := handler(e, th, instr); err != nil {
		if exc, ok := err.(*Exception); ok {
			return e.unwind(th, exc)
		}
		return e.systemFault(th, err)
	}

	r.PC = r.NextPC

	if d := r.LoadDispatcher(); d != nil {
		if r.Trap&TrapInstruction != 0 {
			r.Trap &^= TrapInstruction
			d.Trap(th)
		}
		d.ParkWhileSuspended(th)
	}

	return nil
}

func (e *Engine) systemFault(th *Thread, err error) error {
	th.Regs.State = Broken
	th.BrokenErr = err
	return err
}
