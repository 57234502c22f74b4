package types

import "j5.nz/disvm/heap"

// The four intrinsic types are heap-boxed through heap.Alloc's Ext
// slot rather than a flat byte payload: their representation is a Go
// struct (String, Array, List, Channel), not something the generic
// pointer-bitmap walker in heap/bitmap.go can address. Each gets a
// process-wide marker TypeDesc whose Trace function lets the heap's
// refcount/GC machinery walk embedded handles without knowing the
// concrete Go type.

// StringTypeDesc marks a heap.Alloc whose Ext is a *String. Strings
// embed no heap handles.
var StringTypeDesc = &heap.TypeDesc{Name: "string"}

// NewStringAlloc heap-boxes a new String built from s.
func NewStringAlloc(h *heap.Heap, s string) *heap.Alloc {
	return h.AllocateExt(StringTypeDesc, NewString(s))
}

// AsString recovers the *String an Alloc boxes. a may be nil.
func AsString(a *heap.Alloc) *String {
	if a == nil {
		return nil
	}
	return a.Ext.(*String)
}

// ArrayTypeDesc marks a heap.Alloc whose Ext is an *Array.
var ArrayTypeDesc = &heap.TypeDesc{
	Name: "array",
	Trace: func(ext any, cb func(handle uint64)) {
		a := ext.(*Array)
		if !a.ElemType.HasPointers() {
			return
		}
		for i := 0; i < a.Length; i++ {
			elem, err := a.Elem(i)
			if err != nil {
				continue
			}
			heap.EnumPointerFields(a.ElemType, elem, func(slot *uint64) { cb(*slot) })
		}
	},
}

// NewArrayAlloc heap-boxes a new zero-filled array of length elements.
func NewArrayAlloc(h *heap.Heap, elemType *heap.TypeDesc, length int) *heap.Alloc {
	return h.AllocateExt(ArrayTypeDesc, NewArray(elemType, length))
}

// AsArray recovers the *Array an Alloc boxes. a may be nil.
func AsArray(a *heap.Alloc) *Array {
	if a == nil {
		return nil
	}
	return a.Ext.(*Array)
}

// ListTypeDesc marks a heap.Alloc whose Ext is a *List (the head cell
// of a cons chain).
var ListTypeDesc = &heap.TypeDesc{
	Name: "list",
	Trace: func(ext any, cb func(handle uint64)) {
		for l := ext.(*List); l != nil; l = l.Tail {
			if !l.ElemType.HasPointers() {
				continue
			}
			heap.EnumPointerFields(l.ElemType, l.Head, func(slot *uint64) { cb(*slot) })
		}
	},
}

// NewListAlloc heap-boxes l (the result of one or more Cons calls).
func NewListAlloc(h *heap.Heap, l *List) *heap.Alloc {
	return h.AllocateExt(ListTypeDesc, l)
}

// IncListChain increments every pointer-valued element across the whole
// chain rooted at l, the dual of ListTypeDesc.Trace's decrement walk.
// Needed whenever a chain already boxed under one Alloc becomes reachable
// from a second, independent Alloc (tail boxing a shared suffix; cons
// displacing a still-aliased Dest), so that each Alloc's eventual
// destroy can decrement the whole chain without the other's share going
// negative.
func IncListChain(h *heap.Heap, l *List) {
	for ; l != nil; l = l.Tail {
		if !l.ElemType.HasPointers() {
			continue
		}
		heap.EnumPointerFields(l.ElemType, l.Head, func(slot *uint64) { heap.Inc(h.Resolve(*slot)) })
	}
}

// AsList recovers the *List an Alloc boxes. a may be nil (the empty list).
func AsList(a *heap.Alloc) *List {
	if a == nil {
		return nil
	}
	return a.Ext.(*List)
}

// ChannelTypeDesc marks a heap.Alloc whose Ext is a *Channel.
var ChannelTypeDesc = &heap.TypeDesc{
	Name: "channel",
	Trace: func(ext any, cb func(handle uint64)) {
		c := ext.(*Channel)
		if !c.ElemType.HasPointers() {
			return
		}
		c.Mu.Lock()
		defer c.Mu.Unlock()
		for i := 0; i < c.BufLen(); i++ {
			v := c.bufPeek(i)
			heap.EnumPointerFields(c.ElemType, v, func(slot *uint64) { cb(*slot) })
		}
	},
}

// NewChannelAlloc heap-boxes a new Channel.
func NewChannelAlloc(h *heap.Heap, elemType *heap.TypeDesc, kind TransferKind, bufCap int) *heap.Alloc {
	return h.AllocateExt(ChannelTypeDesc, NewChannel(elemType, kind, bufCap))
}

// AsChannel recovers the *Channel an Alloc boxes. a may be nil.
func AsChannel(a *heap.Alloc) *Channel {
	if a == nil {
		return nil
	}
	return a.Ext.(*Channel)
}
