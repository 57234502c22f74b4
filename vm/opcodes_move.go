package vm

import (
	"encoding/binary"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// List element type descriptors for the primitive cons/head variants.
// Grounded on execution_table.cpp's intrinsic_type_desc::type<T>() used
// by _cons/_head: a list cell's element type is fixed by the opcode's
// width suffix, not looked up from the module's type table.
var (
	listByteTD = &heap.TypeDesc{Name: "list$byte", Size: 1}
	listWordTD = &heap.TypeDesc{Name: "list$word", Size: 4}
	listBigTD  = &heap.TypeDesc{Name: "list$big", Size: 8}
	listRealTD = &heap.TypeDesc{Name: "list$real", Size: 8}
	listPtrTD  = &heap.TypeDesc{Name: "list$ptr", Size: 8, Bitmap: []byte{0x80}}
)

// registerMove wires the move/cons/head/tail/lea family (§4.D "Move" and
// "List"). consm/headm are themselves notimpl in the original dispatch
// table, so they fault rather than invent behavior, matching the
// mulx1/divx1/cvtxx1 precedent.
func registerMove(e *Engine) {
	e.register(loader.OpMovb, func(e *Engine, th *Thread, i loader.Instruction) error {
		setB(th.Regs.Dest, getB(th.Regs.Src))
		return nil
	})
	e.register(loader.OpMovw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, getW(th.Regs.Src))
		return nil
	})
	e.register(loader.OpMovf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, getF(th.Regs.Src))
		return nil
	})
	e.register(loader.OpMovl, func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, getL(th.Regs.Src))
		return nil
	})
	e.register(loader.OpMovp, func(e *Engine, th *Thread, i loader.Instruction) error {
		heap.StorePointer(e.Heap, th.Regs.Dest, 0, heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		return nil
	})

	// movm's middle operand is a raw byte count, not a type index: a
	// plain memmove with no refcount bookkeeping, exactly as grounded.
	e.register(loader.OpMovm, func(e *Engine, th *Thread, i loader.Instruction) error {
		size := int(getW(th.Regs.Mid))
		copy(th.Regs.Dest[:size], th.Regs.Src[:size])
		return nil
	})
	e.register(loader.OpMovmp, func(e *Engine, th *Thread, i loader.Instruction) error {
		td := currentModuleType(th, int(getW(th.Regs.Mid)))
		if td == nil {
			return Raise(ExcTypeViolation)
		}
		typedMoveInto(e.Heap, td, th.Regs.Dest, th.Regs.Src)
		return nil
	})

	e.register(loader.OpMovpc, notImplInOriginal)
	e.register(loader.OpConsm, notImplInOriginal)
	e.register(loader.OpHeadm, notImplInOriginal)

	e.register(loader.OpLea, func(e *Engine, th *Thread, i loader.Instruction) error {
		copy(th.Regs.Dest[:heap.WordSize], th.Regs.Src[:heap.WordSize])
		return nil
	})

	e.register(loader.OpConsb, consPrimitive(listByteTD, 1))
	e.register(loader.OpConsw, consPrimitive(listWordTD, 4))
	e.register(loader.OpConsf, consPrimitive(listRealTD, 8))
	e.register(loader.OpConsl, consPrimitive(listBigTD, 8))
	e.register(loader.OpConsp, consPointer)
	e.register(loader.OpConsmp, consTyped)

	e.register(loader.OpHeadb, headPrimitive(getB, setB))
	e.register(loader.OpHeadw, headPrimitive(getW, setW))
	e.register(loader.OpHeadf, headPrimitive(getF, setF))
	e.register(loader.OpHeadl, headPrimitive(getL, setL))
	e.register(loader.OpHeadp, headPointer)
	e.register(loader.OpHeadmp, headTyped)

	e.register(loader.OpTail, func(e *Engine, th *Thread, i loader.Instruction) error {
		l := types.AsList(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		if l == nil {
			return Raise(ExcDereferenceNil)
		}
		// l itself keeps its existing owner; boxing l.Tail into a new
		// Alloc gives that suffix a second independent owner, so its
		// elements need a matching Inc or the two Allocs' eventual
		// destroys double-decrement them.
		types.IncListChain(e.Heap, l.Tail)
		newAlloc := types.NewListAlloc(e.Heap, l.Tail)
		installOwned(e.Heap, th.Regs.Dest, newAlloc)
		return nil
	})
}

func currentModuleType(th *Thread, idx int) *heap.TypeDesc {
	types := th.Regs.Module.Module.Types
	if idx < 0 || idx >= len(types) {
		return nil
	}
	return types[idx]
}

// typedMoveInto implements movmp's _mov_ for generic ADT values:
// increment whatever src's embedded pointers reference, decrement
// whatever dest's old embedded pointers referenced, then bitcopy.
func typedMoveInto(h *heap.Heap, td *heap.TypeDesc, dest, src []byte) {
	heap.EnumPointerFields(td, src[:td.Size], func(slot *uint64) { heap.Inc(h.Resolve(*slot)) })
	heap.EnumPointerFields(td, dest[:td.Size], func(slot *uint64) { heap.Dec(h.Resolve(*slot)) })
	copy(dest[:td.Size], src[:td.Size])
}

// installConsed installs newAlloc (the freshly cons'd cell) into dest,
// retiring the Alloc dest previously held instead of plain-Dec'ing it.
// newAlloc's Tail is the very same chain oldAlloc boxed, so a Dec that
// runs oldAlloc down to zero would fire ListTypeDesc.Trace's whole-chain
// walk and decrement elements newAlloc still depends on. If dest's
// reference was the only one on oldAlloc, its chain's ownership passes
// to newAlloc wholesale and oldAlloc is retired untraced; otherwise the
// chain now has two independent owners and gets an Inc to match, the
// same bookkeeping tail uses when it boxes a shared suffix.
func installConsed(h *heap.Heap, dest []byte, oldAlloc *heap.Alloc, oldTail *types.List, newAlloc *heap.Alloc) {
	if oldAlloc != nil {
		if heap.RefCount(oldAlloc) == 1 {
			h.Retire(oldAlloc)
		} else {
			heap.Dec(oldAlloc)
			types.IncListChain(h, oldTail)
		}
	}
	var handle uint64
	if newAlloc != nil {
		handle = newAlloc.Handle
	}
	heap.StoreWord(dest, 0, handle)
}

func consPrimitive(elemType *heap.TypeDesc, width int) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		oldAlloc := heap.LoadPointer(e.Heap, th.Regs.Dest, 0)
		oldTail := types.AsList(oldAlloc)
		newList := types.Cons(elemType, th.Regs.Src[:width], oldTail)
		installConsed(e.Heap, th.Regs.Dest, oldAlloc, oldTail, types.NewListAlloc(e.Heap, newList))
		return nil
	}
}

func consPointer(e *Engine, th *Thread, i loader.Instruction) error {
	headAlloc := heap.LoadPointer(e.Heap, th.Regs.Src, 0)
	heap.Inc(headAlloc)
	var headBytes [8]byte
	if headAlloc != nil {
		binary.BigEndian.PutUint64(headBytes[:], headAlloc.Handle)
	}
	oldAlloc := heap.LoadPointer(e.Heap, th.Regs.Dest, 0)
	oldTail := types.AsList(oldAlloc)
	newList := types.Cons(listPtrTD, headBytes[:], oldTail)
	installConsed(e.Heap, th.Regs.Dest, oldAlloc, oldTail, types.NewListAlloc(e.Heap, newList))
	return nil
}

func consTyped(e *Engine, th *Thread, i loader.Instruction) error {
	td := currentModuleType(th, int(getW(th.Regs.Mid)))
	if td == nil {
		return Raise(ExcTypeViolation)
	}
	heap.EnumPointerFields(td, th.Regs.Src[:td.Size], func(slot *uint64) { heap.Inc(e.Heap.Resolve(*slot)) })
	oldAlloc := heap.LoadPointer(e.Heap, th.Regs.Dest, 0)
	oldTail := types.AsList(oldAlloc)
	newList := types.Cons(td, th.Regs.Src[:td.Size], oldTail)
	installConsed(e.Heap, th.Regs.Dest, oldAlloc, oldTail, types.NewListAlloc(e.Heap, newList))
	return nil
}

func headPrimitive[T any](get func([]byte) T, set func([]byte, T)) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		l := types.AsList(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		if l == nil {
			return Raise(ExcDereferenceNil)
		}
		set(th.Regs.Dest, get(l.Head))
		return nil
	}
}

func headPointer(e *Engine, th *Thread, i loader.Instruction) error {
	l := types.AsList(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	if l == nil {
		return Raise(ExcDereferenceNil)
	}
	heap.StorePointer(e.Heap, th.Regs.Dest, 0, heap.LoadPointer(e.Heap, l.Head, 0))
	return nil
}

func headTyped(e *Engine, th *Thread, i loader.Instruction) error {
	l := types.AsList(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	if l == nil {
		return Raise(ExcDereferenceNil)
	}
	td := currentModuleType(th, int(getW(th.Regs.Mid)))
	if td == nil {
		return Raise(ExcTypeViolation)
	}
	typedMoveInto(e.Heap, td, th.Regs.Dest, l.Head)
	return nil
}
