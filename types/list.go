package types

import "j5.nz/disvm/heap"

// List is the Dis VM's cons cell: one typed value (inline when it fits
// in the cell, heap-indirected when larger) plus a tail reference (§3).
type List struct {
	ElemType *heap.TypeDesc
	Head     []byte // inline value, ElemType.Size bytes
	Tail     *List
}

// Cons builds a new list cell with head value and the given tail.
func Cons(elemType *heap.TypeDesc, head []byte, tail *List) *List {
	h := make([]byte, elemType.Size)
	copy(h, head)
	return &List{ElemType: elemType, Head: h, Tail: tail}
}

// Len walks the chain to compute its length.
func (l *List) Len() int {
	n := 0
	for cur := l; cur != nil; cur = cur.Tail {
		n++
	}
	return n
}
