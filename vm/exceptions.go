package vm

import (
	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// Exception is a raised Limbo exception (§7). It crosses the VM/bytecode
// boundary as a plain Go error carrying the exception id string, per
// SPEC_FULL's ambient-stack decision not to wrap these with
// github.com/pkg/errors (that wrapping is for Go-call-boundary errors,
// not for values the bytecode itself is meant to catch).
type Exception struct {
	ID string
	// Alloc is the string/ADT value delivered to a handler's exception
	// slot. nil for VM-raised built-in exceptions (divide_by_zero and
	// friends), which have no bytecode-supplied value to reuse and get
	// one synthesized from ID on unwind; non-nil for an explicit user
	// "raise" instruction, which already named a value.
	Alloc *heap.Alloc
}

func (e *Exception) Error() string { return e.ID }

// Raise builds a built-in VM exception with no pre-existing value.
func Raise(id string) error { return &Exception{ID: id} }

// RaiseValue builds an exception carrying a bytecode-supplied value
// (used by the "raise" opcode).
func RaiseValue(id string, alloc *heap.Alloc) error { return &Exception{ID: id, Alloc: alloc} }

// Built-in exception ids (§7's error-kind table).
const (
	ExcDivideByZero   = "Divide by 0"
	ExcInvalidUTF8    = "Invalid UTF-8 string"
	ExcDereferenceNil = "Dereference of nil value"
	ExcTypeViolation  = "Inconsistent types in operation"
	ExcOutOfRange     = "Out of range access"
)

// unwind implements §4.E's exception search: walk outward from the
// faulting frame looking for a handler whose pc range covers the
// faulting instruction and whose case table names (or wildcards) the
// exception id, popping frames (and restoring the caller's module) as
// the search widens. Returns nil when a handler catches it; returns the
// exception as a fatal error (with th moved to Broken) when the search
// reaches the root frame with no match.
func (e *Engine) unwind(th *Thread, exc *Exception) error {
	r := &th.Regs

	excAlloc := exc.Alloc
	synthesized := excAlloc == nil
	if synthesized {
		excAlloc = types.NewStringAlloc(e.Heap, exc.ID)
	}

	for {
		mod := r.Module.Module
		for _, hd := range mod.Handlers {
			if r.PC < hd.BeginPC || r.PC >= hd.EndPC {
				continue
			}
			if target, ok := matchHandler(hd, exc.ID); ok {
				enterHandler(e, th, hd, target, excAlloc, synthesized)
				return nil
			}
		}

		fr := r.Stack.PeekFrame()
		if fr == nil {
			return e.systemFault(th, exc)
		}
		prevPC := fr.PrevPC
		prevMod := fr.PrevModuleRef
		r.Stack.PopFrame()
		r.PC = prevPC - 1
		if prevMod != nil {
			th.EnterModule(prevMod)
		}
	}
}

// matchHandler checks every named case of hd's table against excID, then
// falls back to the table's final (wildcard) entry when its pc is valid.
func matchHandler(hd loader.Handler, excID string) (int32, bool) {
	if len(hd.Table) == 0 {
		return 0, false
	}
	last := len(hd.Table) - 1
	for i := 0; i < last; i++ {
		if hd.Table[i].Name == excID {
			return hd.Table[i].PC, true
		}
	}
	if wild := hd.Table[last].PC; wild >= 0 {
		return wild, true
	}
	return 0, false
}

// enterHandler reinitialises the (already-top) handling frame per its
// handler type descriptor, writes the raised value into the exception
// slot, and redirects execution to the handler's target pc. synthesized
// reports whether excAlloc was just built from exc.ID rather than
// supplied by a bytecode "raise": it starts at refcount 1 with no other
// referent, so it's installed as an ownership transfer (no Inc) rather
// than aliased the way a "raise"-supplied value is.
func enterHandler(e *Engine, th *Thread, hd loader.Handler, targetPC int32, excAlloc *heap.Alloc, synthesized bool) {
	fr := th.Regs.Stack.PeekFrame()

	heap.EnumPointerFields(fr.Type, fr.Locals, func(slot *uint64) {
		heap.Dec(e.Heap.Resolve(*slot))
	})

	if hd.TypeDesc != nil {
		fr.Type = hd.TypeDesc
		fr.Locals = make([]byte, hd.TypeDesc.Size)
	} else {
		fr.Locals = make([]byte, len(fr.Locals))
	}

	if synthesized {
		installOwned(e.Heap, fr.Locals[hd.ExceptionOffset:], excAlloc)
	} else {
		heap.StorePointer(e.Heap, fr.Locals, int(hd.ExceptionOffset), excAlloc)
	}

	th.Regs.PC = targetPC
	th.Regs.NextPC = targetPC
}
