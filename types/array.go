package types

import "j5.nz/disvm/heap"

// Array is the Dis VM's intrinsic array: an element type descriptor, a
// length, raw element storage, and an optional back-reference to an
// *original* array when this array is a slice. Slices share storage;
// the back-reference keeps the original alive. Slicing a slice resolves
// to the ultimate original so slice chains stay flat (§3).
type Array struct {
	ElemType *heap.TypeDesc
	Length   int

	// storage is the flat element buffer. For a slice, storage aliases
	// a sub-range of original's storage.
	storage []byte
	offset  int // element offset into storage for this (sub)array's element 0

	// original is nil for a non-slice array; for a slice it always
	// points at the ultimate non-slice array, never at an intermediate
	// slice, keeping slice chains flat.
	original *Array
}

// NewArray allocates a length-element array of the given element type,
// zero-filled ("newaz"/"newa" per §4.D).
func NewArray(elemType *heap.TypeDesc, length int) *Array {
	return &Array{
		ElemType: elemType,
		Length:   length,
		storage:  make([]byte, elemType.Size*length),
	}
}

func (a *Array) elemSize() int { return a.ElemType.Size }

// byteOffset returns the byte offset of element i within storage.
func (a *Array) byteOffset(i int) int {
	return (a.offset + i) * a.elemSize()
}

// checkBounds validates a 0 <= i < Length access.
func (a *Array) checkBounds(i int) error {
	if i < 0 || i >= a.Length {
		return IndexError("array index", i, a.Length)
	}
	return nil
}

// Elem returns the raw bytes of element i (bounds-checked).
func (a *Array) Elem(i int) ([]byte, error) {
	if err := a.checkBounds(i); err != nil {
		return nil, err
	}
	off := a.byteOffset(i)
	return a.storage[off : off+a.elemSize()], nil
}

// SetElem copies src into element i's storage (bounds-checked, and
// requires matching element size — cross-type copy otherwise fails per
// §3 "cross-type copy fails").
func (a *Array) SetElem(i int, src []byte) error {
	if err := a.checkBounds(i); err != nil {
		return err
	}
	if len(src) != a.elemSize() {
		return ErrTypeViolation
	}
	off := a.byteOffset(i)
	copy(a.storage[off:off+a.elemSize()], src)
	return nil
}

// Slice creates a slice-by-reference over [lo, hi) of a ("slicea").
// Slicing a slice resolves to the ultimate original so slice chains
// stay flat; a.offset is always already expressed in the root's
// storage coordinates, so the new slice's offset is simply a.offset+lo.
// The original's storage is kept alive via the back-reference; Slice
// takes no heap references itself (a caller that boxes the slice as its
// own Alloc increments the slice's pointer elements, since that Alloc's
// Trace walks them too).
func (a *Array) Slice(lo, hi int) (*Array, error) {
	if lo < 0 || hi > a.Length || lo > hi {
		return nil, &OutOfRangeError{Op: "array slice", Lo: lo, Hi: hi, Len: a.Length}
	}
	root := a.original
	if root == nil {
		root = a
	}
	return &Array{
		ElemType: a.ElemType,
		Length:   hi - lo,
		storage:  root.storage,
		offset:   a.offset + lo,
		original: root,
	}, nil
}

// Original returns the ultimate backing array if a is a slice, or nil.
func (a *Array) Original() *Array { return a.original }

// CopyInto copies src's contents into dst starting at element offset
// dstOffset ("slicela"), enforcing matching element types.
func CopyInto(dst, src *Array, dstOffset int) error {
	if dst.ElemType != src.ElemType && (dst.elemSize() != src.elemSize() || string(dst.ElemType.Bitmap) != string(src.ElemType.Bitmap)) {
		return ErrTypeViolation
	}
	if dstOffset < 0 || dstOffset+src.Length > dst.Length {
		return &OutOfRangeError{Op: "array copy", Lo: dstOffset, Hi: dstOffset + src.Length, Len: dst.Length}
	}
	for i := 0; i < src.Length; i++ {
		b, err := src.Elem(i)
		if err != nil {
			return err
		}
		if err := dst.SetElem(dstOffset+i, b); err != nil {
			return err
		}
	}
	return nil
}
