package stack

import (
	"testing"

	"j5.nz/disvm/heap"
)

func pointerTD(name string, size int, ptrWordIdx ...int) *heap.TypeDesc {
	nbytes := (size/heap.WordSize + 7) / 8
	if nbytes == 0 {
		nbytes = 1
	}
	bm := make([]byte, nbytes)
	for _, w := range ptrWordIdx {
		byteIdx := w / 8
		bit := w % 8
		bm[byteIdx] |= 1 << uint(7-bit)
	}
	return &heap.TypeDesc{Name: name, Size: size, Bitmap: bm}
}

func TestAllocPushPeekPop(t *testing.T) {
	h := heap.New()
	s := New(h, 4096)
	td := &heap.TypeDesc{Size: heap.WordSize}

	if s.PeekFrame() != nil {
		t.Fatalf("fresh stack should be empty")
	}

	f, err := s.AllocFrame(td)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if f.PrevPC != NoPC {
		t.Fatalf("PrevPC = %d, want %d", f.PrevPC, NoPC)
	}

	pushed := s.PushFrame()
	if pushed != f {
		t.Fatalf("PushFrame did not return the allocated frame")
	}
	if s.PeekFrame() != f {
		t.Fatalf("PeekFrame should return the pushed frame")
	}

	if s.PopFrame() != nil {
		t.Fatalf("popping the sole frame should resurface nil")
	}
	if s.PeekFrame() != nil {
		t.Fatalf("stack should be empty after popping its only frame")
	}
}

func TestPrevFrameChaining(t *testing.T) {
	h := heap.New()
	s := New(h, 4096)
	td := &heap.TypeDesc{Size: heap.WordSize}

	f1, _ := s.AllocFrame(td)
	s.PushFrame()
	f2, _ := s.AllocFrame(td)
	s.PushFrame()

	if f2.PrevFrame != f1 {
		t.Fatalf("second frame should chain to the first")
	}
	if s.PeekFrame() != f2 {
		t.Fatalf("top should be the most recently pushed frame")
	}

	if resurfaced := s.PopFrame(); resurfaced != f1 {
		t.Fatalf("popping f2 should resurface f1")
	}
	if s.PeekFrame() != f1 {
		t.Fatalf("peek after pop should be f1")
	}
}

func TestAllocFrameRejectsOversizedRequest(t *testing.T) {
	h := heap.New()
	s := New(h, 64)
	td := &heap.TypeDesc{Size: 1024}

	if _, err := s.AllocFrame(td); err == nil {
		t.Fatalf("expected an error for a frame larger than the page budget")
	}
}

func TestPageOverflowAllocatesAndDropsPages(t *testing.T) {
	h := heap.New()
	const extent = frameOverhead + heap.WordSize // room for exactly one frame per page
	s := New(h, extent)
	td := &heap.TypeDesc{Size: heap.WordSize}

	firstPage := s.topPg
	f1, err := s.AllocFrame(td)
	if err != nil {
		t.Fatalf("AllocFrame(f1): %v", err)
	}
	s.PushFrame()
	if s.topPg != firstPage {
		t.Fatalf("first frame should not have required a new page")
	}

	f2, err := s.AllocFrame(td)
	if err != nil {
		t.Fatalf("AllocFrame(f2): %v", err)
	}
	s.PushFrame()
	if s.topPg == firstPage {
		t.Fatalf("second frame should have spilled onto a new page")
	}
	if f2.page == f1.page {
		t.Fatalf("frames on different pages should not share a page")
	}

	secondPage := s.topPg
	if resurfaced := s.PopFrame(); resurfaced != f1 {
		t.Fatalf("popping f2 should resurface f1")
	}
	if s.topPg != firstPage {
		t.Fatalf("popping back across the page boundary should drop the second page")
	}
	_ = secondPage
}

func TestPopFrameDecrementsEmbeddedPointers(t *testing.T) {
	h := heap.New()
	s := New(h, 4096)
	valueTD := &heap.TypeDesc{Size: heap.WordSize}
	frameTD := pointerTD("frame", heap.WordSize, 0)

	child := h.Allocate(valueTD)

	f, err := s.AllocFrame(frameTD)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	heap.StorePointer(h, f.Locals, 0, child)
	if heap.RefCount(child) != 2 {
		t.Fatalf("refcount after store = %d, want 2", heap.RefCount(child))
	}
	s.PushFrame()

	s.PopFrame()
	if heap.RefCount(child) != 1 {
		t.Fatalf("refcount after pop = %d, want 1", heap.RefCount(child))
	}
}
