package vm

import (
	"github.com/pkg/errors"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/stack"
)

// registerControl wires the call/return, frame-allocation, jump, thread
// and instance-allocation families (§4.D "Call", "Frame", "Thread").
// call/mcall/spawn/mspawn decode Dest as a literal target (a pc for
// call/jmp, a module reference handle for mcall/mspawn) rather than an
// address to dereference, matching the branch family's convention.
func registerControl(e *Engine) {
	e.register(loader.OpCall, opCall)
	e.register(loader.OpMcall, opMcall)
	e.register(loader.OpSpawn, opSpawn)
	e.register(loader.OpMspawn, opMspawn)
	e.register(loader.OpRet, opRet)
	e.register(loader.OpJmp, func(e *Engine, th *Thread, i loader.Instruction) error {
		th.Regs.NextPC = getW(th.Regs.Dest)
		return nil
	})
	e.register(loader.OpGoto, func(e *Engine, th *Thread, i loader.Instruction) error {
		idx := int(getW(th.Regs.Src))
		th.Regs.NextPC = getW(th.Regs.Dest[idx*4:])
		return nil
	})
	e.register(loader.OpFrame, opFrame)
	e.register(loader.OpMframe, opMframe)

	e.register(loader.OpNew, opNew)
	e.register(loader.OpNewz, opNew)
	e.register(loader.OpMnewz, opMnewz)

	e.register(loader.OpExit, func(e *Engine, th *Thread, i loader.Instruction) error {
		th.Regs.State = Exiting
		return nil
	})
	e.register(loader.OpRunt, func(e *Engine, th *Thread, i loader.Instruction) error { return nil })

	// lea is a raw word copy with no refcount bookkeeping, like movm —
	// the original assigns src's already-resolved address into dest
	// without dereferencing it; this port has no address value separate
	// from a resolved byte window, so the closest equivalent is copying
	// whatever pointer-sized value currently sits at the front of that
	// window.
	e.register(loader.OpLea, func(e *Engine, th *Thread, i loader.Instruction) error {
		copy(th.Regs.Dest[:heap.WordSize], th.Regs.Src[:heap.WordSize])
		return nil
	})
}

func opCall(e *Engine, th *Thread, i loader.Instruction) error {
	fr := th.Regs.Stack.PushFrame()
	th.Regs.PendingFrame = nil
	fr.PrevPC = th.Regs.NextPC
	th.Regs.NextPC = getW(th.Regs.Dest)
	return nil
}

// opMcall implements "mcall": call an exported function of another
// (possibly built-in) module. A built-in target is invoked synchronously
// through the registered BuiltinModule and the call frame is immediately
// torn back down by opRet, mirroring the original's call-then-ret
// sequence for native dispatch.
func opMcall(e *Engine, th *Thread, i loader.Instruction) error {
	target := loader.AsModRef(heap.LoadPointer(e.Heap, th.Regs.Dest, 0))
	if target == nil {
		return userException(e.Heap, "Module not loaded")
	}
	fref, err := target.FunctionRef(int(getW(th.Regs.Mid)))
	if err != nil {
		return err
	}

	fr := th.Regs.Stack.PushFrame()
	th.Regs.PendingFrame = nil
	fr.PrevPC = th.Regs.NextPC
	fr.PrevModuleRef = th.Regs.Module

	th.EnterModule(target)

	if !target.IsBuiltin() {
		th.Regs.NextPC = fref.EntryPC
		return nil
	}

	if e.Builtins == nil {
		return errors.New("mcall into a built-in module with no builtin registry attached")
	}
	mod, ok := e.Builtins.Lookup(target.Module.Name)
	if !ok {
		return errors.Errorf("built-in module %q not registered", target.Module.Name)
	}

	th.Regs.State = Release
	invokeErr := mod.Invoke(fref.EntryPC, th)
	if th.Regs.State == Release {
		th.Regs.State = Running
	}

	if retErr := opRet(e, th, i); retErr != nil {
		return retErr
	}
	return invokeErr
}

// opRet implements "ret": pop the current frame, restoring the caller's
// module when the popped frame recorded one.
func opRet(e *Engine, th *Thread, i loader.Instruction) error {
	r := &th.Regs
	fr := r.Stack.PeekFrame()
	if fr == nil {
		return errors.New("ret with an empty frame stack")
	}
	r.NextPC = fr.PrevPC

	if fr.PrevModuleRef != nil {
		th.EnterModule(fr.PrevModuleRef)
		fr.PrevModuleRef = nil
	}

	if r.Stack.PopFrame() == nil {
		r.State = EmptyStack
	}
	return nil
}

// opSpawn and opMspawn implement "spawn"/"mspawn": fork a new thread
// whose first frame is a refcount-adjusted copy of the argument frame
// the caller just populated (through the boxed handle frame/mframe
// wrote into Dest), then discard that argument frame from the spawning
// thread's own stack.
func opSpawn(e *Engine, th *Thread, i loader.Instruction) error {
	fr := th.Regs.Stack.PushFrame()
	th.Regs.PendingFrame = nil
	startPC := getW(th.Regs.Dest)

	if err := forkThread(e, th, th.Regs.Module, fr, startPC); err != nil {
		return err
	}
	if th.Regs.Stack.PopFrame() == nil {
		th.Regs.State = EmptyStack
	}
	return nil
}

func opMspawn(e *Engine, th *Thread, i loader.Instruction) error {
	fr := th.Regs.Stack.PushFrame()
	th.Regs.PendingFrame = nil

	target := loader.AsModRef(heap.LoadPointer(e.Heap, th.Regs.Dest, 0))
	if target == nil {
		return userException(e.Heap, "Module not loaded")
	}
	if target.IsBuiltin() {
		return userException(e.Heap, "Spawning a built-in module is not permitted")
	}
	fref, err := target.FunctionRef(int(getW(th.Regs.Mid)))
	if err != nil {
		return err
	}

	if err := forkThread(e, th, target, fr, fref.EntryPC); err != nil {
		return err
	}
	if th.Regs.Stack.PopFrame() == nil {
		th.Regs.State = EmptyStack
	}
	return nil
}

func forkThread(e *Engine, th *Thread, mr *loader.ModRef, fr *stack.Frame, startPC int32) error {
	if startPC < 0 || int(startPC) >= len(mr.Module.Code) {
		return userException(e.Heap, "Invalid entry program counter")
	}

	childAlloc := NewThreadAlloc(e.Heap, e.nextThreadID(), th.ID, int(mr.Module.Header.StackExtent))
	child := AsThread(childAlloc)
	child.EnterModule(mr)

	childFr, err := child.Regs.Stack.AllocFrame(fr.Type)
	if err != nil {
		return err
	}
	copy(childFr.Locals, fr.Locals)
	heap.EnumPointerFields(fr.Type, childFr.Locals, func(slot *uint64) {
		heap.Inc(e.Heap.Resolve(*slot))
	})
	child.Regs.Stack.PushFrame()
	child.Regs.PC = startPC
	child.Regs.NextPC = startPC

	if e.Spawner != nil {
		e.Spawner.Spawn(childAlloc)
	}
	return nil
}

// opFrame and opMframe implement "frame"/"mframe": allocate (but do not
// yet push) a new call frame and box its locals as a heap handle into
// Dest, so the argument-store instructions between here and the
// matching call/mcall/spawn/mspawn can address it through an ordinary
// double-indirect operand — this port's replacement for the original's
// raw frame-base pointer.
func opFrame(e *Engine, th *Thread, i loader.Instruction) error {
	td := currentModuleType(th, int(getW(th.Regs.Src)))
	if td == nil {
		return Raise(ExcTypeViolation)
	}
	return allocAndBoxFrame(e, th, td)
}

func opMframe(e *Engine, th *Thread, i loader.Instruction) error {
	target := loader.AsModRef(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	if target == nil {
		return userException(e.Heap, "Module not loaded")
	}
	fref, err := target.FunctionRef(int(getW(th.Regs.Mid)))
	if err != nil {
		return err
	}
	td := moduleType(target, int(fref.FrameType))
	if td == nil {
		return Raise(ExcTypeViolation)
	}
	return allocAndBoxFrame(e, th, td)
}

func allocAndBoxFrame(e *Engine, th *Thread, td *heap.TypeDesc) error {
	fr, err := th.Regs.Stack.AllocFrame(td)
	if err != nil {
		return err
	}
	boxed := e.Heap.Box(td, fr.Locals)
	installOwned(e.Heap, th.Regs.Dest, boxed)
	// Rooted explicitly until the matching call/mcall/spawn/mspawn commits
	// this frame onto the stack (see Registers.PendingFrame): between here
	// and there it is reachable only through the Dest register, which the
	// collector's root set does not walk.
	th.Regs.PendingFrame = boxed
	return nil
}

// opNew implements "new"/"newz" (newz needs no separate zeroing step:
// heap.Allocate always returns a zero-filled payload).
func opNew(e *Engine, th *Thread, i loader.Instruction) error {
	td := currentModuleType(th, int(getW(th.Regs.Src)))
	if td == nil {
		return Raise(ExcTypeViolation)
	}
	installOwned(e.Heap, th.Regs.Dest, e.Heap.Allocate(td))
	return nil
}

// opMnewz implements "mnewz": allocate an instance of another module's
// type_id'th type, reading the type index from Mid and the target
// module from Src (both swapped from new/newz's Src-as-type-index
// convention, matching the original's mnewz layout).
func opMnewz(e *Engine, th *Thread, i loader.Instruction) error {
	target := loader.AsModRef(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	if target == nil {
		return userException(e.Heap, "Module not loaded")
	}
	td := moduleType(target, int(getW(th.Regs.Mid)))
	if td == nil {
		return Raise(ExcTypeViolation)
	}
	installOwned(e.Heap, th.Regs.Dest, e.Heap.Allocate(td))
	return nil
}

func moduleType(mr *loader.ModRef, idx int) *heap.TypeDesc {
	types := mr.Module.Types
	if idx < 0 || idx >= len(types) {
		return nil
	}
	return types[idx]
}
