package types

import (
	"bytes"
	"testing"
)

func TestConsAndLen(t *testing.T) {
	var l *List
	l = Cons(wordTD, []byte{3, 0, 0, 0}, l)
	l = Cons(wordTD, []byte{2, 0, 0, 0}, l)
	l = Cons(wordTD, []byte{1, 0, 0, 0}, l)

	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
	if !bytes.Equal(l.Head, []byte{1, 0, 0, 0}) {
		t.Fatalf("head = %v", l.Head)
	}
	if !bytes.Equal(l.Tail.Head, []byte{2, 0, 0, 0}) {
		t.Fatalf("tail head = %v", l.Tail.Head)
	}
}

func TestEmptyListLenIsZero(t *testing.T) {
	var l *List
	if l.Len() != 0 {
		t.Fatalf("len of nil list = %d, want 0", l.Len())
	}
}
