// Package stack implements the Dis VM's per-thread frame stack (§4.C):
// a paged bump allocator of call frames, with the four-word frame
// header (previous PC, previous frame, previous module reference, one
// reserved word) and the two fixed-point scratch-register offsets
// described in §3 "Frame".
//
// Grounded on original_source/src/vm/stack.cpp's vm_stack_t /
// vm_stack_page / vm_frame_t. The original bump-allocates frames by
// hand inside raw memory pages to avoid per-frame malloc overhead; Go's
// allocator already does that well, so a page here tracks a byte
// *budget* instead of real memory, and frames are ordinary Go structs.
// The observable paging discipline — new page on overflow, page drop on
// pop-across-boundary — is preserved exactly.
package stack

import (
	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"

	"github.com/pkg/errors"
)

// NoPC is the frame header's initial previous-PC value.
const NoPC = int32(-1)

// frameOverhead is the reserved four-machine-word frame header
// (previous PC, previous frame, previous module reference, one
// reserved word), accounted against a page's byte budget the same way
// the original's vm_frame_t struct overhead is.
const frameOverhead = 4 * heap.WordSize

// FixedPointRegisterSize is the width of each of the frame's two
// fixed-point scratch registers (Stmp/Dtmp in the original's
// libinterp/xec.c, not defined by the VM spec proper).
const FixedPointRegisterSize = heap.WordSize

// Frame is one activation record on a Stack.
type Frame struct {
	Type   *heap.TypeDesc
	Locals []byte // frame_type.Size bytes of callee-defined storage

	PrevPC        int32
	PrevFrame     *Frame
	PrevModuleRef *loader.ModRef

	FixedPoint1 [FixedPointRegisterSize]byte
	FixedPoint2 [FixedPointRegisterSize]byte

	page *page
}

type page struct {
	prev    *page
	budget  int
	topInPg *Frame
}

// Stack is a single thread's frame stack.
type Stack struct {
	h      *heap.Heap
	extent int
	top    *Frame
	topPg  *page
}

// New returns an empty Stack whose pages hold at most extent bytes of
// frame storage each.
func New(h *heap.Heap, extent int) *Stack {
	return &Stack{h: h, extent: extent, topPg: &page{budget: extent}}
}

// AllocFrame reserves a frame of the given type on the current page
// (allocating a new page first if it wouldn't fit) without making it
// the current frame — the caller populates argument slots, then calls
// PushFrame as part of executing a call instruction.
func (s *Stack) AllocFrame(td *heap.TypeDesc) (*Frame, error) {
	needed := frameOverhead + td.Size
	if needed > s.extent {
		return nil, errors.New("requested stack frame larger than stack page")
	}

	pg := s.topPg
	if pg.budget < needed {
		pg = &page{prev: pg, budget: s.extent}
		s.topPg = pg
	}

	f := &Frame{
		Type:   td,
		Locals: make([]byte, td.Size),
		PrevPC: NoPC,
		page:   pg,
	}
	pg.budget -= needed
	pg.topInPg = f
	return f, nil
}

// PushFrame makes the most recently allocated frame on the top page
// current, recording the previous top as its caller frame.
func (s *Stack) PushFrame() *Frame {
	newTop := s.topPg.topInPg
	newTop.PrevFrame = s.top
	s.top = newTop
	return newTop
}

// PeekFrame returns the current top frame, or nil if the stack is empty.
func (s *Stack) PeekFrame() *Frame { return s.top }

// PopFrame destroys the current top frame (decrementing refcounts of
// every pointer field its type descriptor names) and returns the frame
// that resurfaces, or nil if the stack is now empty. When the new top
// lives on an earlier page, the now-unused page is dropped.
func (s *Stack) PopFrame() *Frame {
	cur := s.top
	if cur == nil {
		return nil
	}

	heap.EnumPointerFields(cur.Type, cur.Locals, func(slot *uint64) {
		heap.Dec(s.h.Resolve(*slot))
	})

	next := cur.PrevFrame
	s.top = next
	s.topPg.topInPg = next

	if next != nil && next.page != cur.page {
		s.topPg = next.page
	}

	return next
}
