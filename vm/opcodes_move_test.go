package vm

import (
	"encoding/binary"
	"testing"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// TestConsPointerOntoSameSlotDoesNotOverDecrementSharedTail exercises the
// canonical "l = x :: l": cons writes its result back into the same slot
// it reads the tail from. The displaced list Alloc's chain must survive
// intact inside the new cell rather than being torn down underneath it.
func TestConsPointerOntoSameSlotDoesNotOverDecrementSharedTail(t *testing.T) {
	h := heap.New()
	elem := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})

	tail := types.Cons(listPtrTD, handleBytes(elem.Handle), nil)
	tailAlloc := types.NewListAlloc(h, tail)
	if heap.RefCount(elem) != 1 {
		t.Fatalf("elem refcount before cons = %d, want 1", heap.RefCount(elem))
	}

	dest := make([]byte, heap.WordSize)
	heap.StoreWord(dest, 0, tailAlloc.Handle)

	src := make([]byte, heap.WordSize)
	head := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})
	heap.StoreWord(src, 0, head.Handle)
	heap.Inc(head) // src slot holds its own reference, as a register would

	e := NewEngine(h, nil)
	th := &Thread{}
	th.Regs.Src = src
	th.Regs.Dest = dest

	if err := consPointer(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("consPointer: %v", err)
	}

	newHandle := binary.BigEndian.Uint64(dest)
	newAlloc := h.Resolve(newHandle)
	if newAlloc == nil {
		t.Fatalf("dest does not hold a live handle after cons")
	}
	newList := types.AsList(newAlloc)
	if newList.Tail != tail {
		t.Fatalf("new cell's tail does not alias the displaced list")
	}
	if heap.RefCount(elem) != 1 {
		t.Fatalf("elem refcount after single-owner cons = %d, want 1 (chain ownership should transfer, not decrement)", heap.RefCount(elem))
	}
	if h.Resolve(tailAlloc.Handle) != nil {
		t.Fatalf("displaced tail Alloc's handle should be retired, not left resolvable")
	}

	// Destroying the new cell must run the chain down to zero exactly
	// once: elem's refcount should reach zero and it should be gone.
	heap.Dec(newAlloc)
	if h.Resolve(elem.Handle) != nil {
		t.Fatalf("elem should have been collected when the sole owning chain was destroyed")
	}
}

// TestConsOntoAliasedTailIncrementsSharedChain covers the other branch:
// if some other slot still references the old tail Alloc when cons
// displaces it from dest, the chain now has two independent owners and
// must gain a matching increment so neither destroy double-frees it.
func TestConsOntoAliasedTailIncrementsSharedChain(t *testing.T) {
	h := heap.New()
	elem := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})

	tail := types.Cons(listPtrTD, handleBytes(elem.Handle), nil)
	tailAlloc := types.NewListAlloc(h, tail)
	heap.Inc(tailAlloc) // a second slot (e.g. another variable) also holds tailAlloc

	dest := make([]byte, heap.WordSize)
	heap.StoreWord(dest, 0, tailAlloc.Handle)
	src := make([]byte, heap.WordSize)

	e := NewEngine(h, nil)
	th := &Thread{}
	th.Regs.Src = src
	th.Regs.Dest = dest

	if err := consPointer(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("consPointer: %v", err)
	}

	if h.Resolve(tailAlloc.Handle) == nil {
		t.Fatalf("tailAlloc should still be alive: another slot still aliases it")
	}
	if heap.RefCount(elem) != 2 {
		t.Fatalf("elem refcount after aliased cons = %d, want 2 (two independent chains now reach it)", heap.RefCount(elem))
	}

	newAlloc := h.Resolve(binary.BigEndian.Uint64(dest))
	heap.Dec(newAlloc)
	if h.Resolve(elem.Handle) == nil {
		t.Fatalf("elem should survive: the aliased tailAlloc still owns a reference")
	}
	heap.Dec(tailAlloc)
	if h.Resolve(elem.Handle) != nil {
		t.Fatalf("elem should be collected once both chains are gone")
	}
}

// TestTailIncrementsBoxedSuffix confirms tail's new Alloc and the
// original list's Alloc can each be destroyed independently without
// double-freeing the suffix's elements.
func TestTailIncrementsBoxedSuffix(t *testing.T) {
	h := heap.New()
	elem := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})

	suffix := types.Cons(listPtrTD, handleBytes(elem.Handle), nil)
	full := types.Cons(listPtrTD, handleBytes(0), suffix)
	fullAlloc := types.NewListAlloc(h, full)

	src := make([]byte, heap.WordSize)
	heap.StoreWord(src, 0, fullAlloc.Handle)
	dest := make([]byte, heap.WordSize)

	e := NewEngine(h, nil)
	th := &Thread{}
	th.Regs.Src = src
	th.Regs.Dest = dest

	if err := e.handlers[loader.OpTail](e, th, loader.Instruction{}); err != nil {
		t.Fatalf("tail: %v", err)
	}

	if heap.RefCount(elem) != 2 {
		t.Fatalf("elem refcount after tail = %d, want 2 (full chain and the new suffix Alloc both reach it)", heap.RefCount(elem))
	}

	suffixAlloc := h.Resolve(binary.BigEndian.Uint64(dest))
	heap.Dec(fullAlloc)
	if h.Resolve(elem.Handle) == nil {
		t.Fatalf("elem should survive fullAlloc's destroy: the suffix Alloc still references it")
	}
	heap.Dec(suffixAlloc)
	if h.Resolve(elem.Handle) != nil {
		t.Fatalf("elem should be collected once both chains are destroyed")
	}
}

func handleBytes(handle uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, handle)
	return b
}
