package types

import (
	"bytes"
	"testing"

	"j5.nz/disvm/heap"
)

var wordTD = &heap.TypeDesc{Name: "word", Size: 4}

func TestArraySetGetAndBounds(t *testing.T) {
	a := NewArray(wordTD, 4)
	if err := a.SetElem(2, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := a.Elem(2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", got)
	}
	if _, err := a.Elem(4); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestArraySliceSharesStorageAndFlattensChain(t *testing.T) {
	a := NewArray(wordTD, 10)
	a.SetElem(5, []byte{9, 9, 9, 9})

	s1, err := a.Slice(2, 8)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	s2, err := s1.Slice(1, 4) // elements [3,7) of a
	if err != nil {
		t.Fatalf("slice of slice: %v", err)
	}
	if s2.Original() != a {
		t.Fatalf("slice-of-slice must resolve to ultimate original, got %v", s2.Original())
	}

	got, _ := s2.Elem(2) // a[3+2] = a[5]
	if !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Fatalf("slice does not share storage with original: %v", got)
	}

	// Mutating through the slice must be visible in the original.
	s2.SetElem(0, []byte{1, 1, 1, 1})
	got, _ = a.Elem(3)
	if !bytes.Equal(got, []byte{1, 1, 1, 1}) {
		t.Fatalf("mutation via slice not visible in original: %v", got)
	}
}

func TestCopyIntoRejectsMismatchedElementSize(t *testing.T) {
	a := NewArray(wordTD, 2)
	b := NewArray(&heap.TypeDesc{Name: "byte", Size: 1}, 2)
	if err := CopyInto(a, b, 0); err == nil {
		t.Fatalf("expected type violation")
	}
}

func TestCopyIntoCopiesElements(t *testing.T) {
	a := NewArray(wordTD, 4)
	b := NewArray(wordTD, 2)
	b.SetElem(0, []byte{1, 0, 0, 0})
	b.SetElem(1, []byte{2, 0, 0, 0})
	if err := CopyInto(a, b, 1); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, _ := a.Elem(2)
	if !bytes.Equal(got, []byte{2, 0, 0, 0}) {
		t.Fatalf("got %v", got)
	}
}
