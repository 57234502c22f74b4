// Package heap implements the Dis VM's reference-counted allocation arena:
// type descriptors, the Alloc header, and the pointer-bitmap tracer that
// every typed copy/destroy/trace operation drives off of.
//
// The original C++ implementation recovers an Alloc's header from its
// payload pointer by a fixed negative offset, and stores pointer fields
// as raw addresses inside the payload bytes. Go's garbage collector does
// not scan arbitrary byte slices for pointers, so a payload can't safely
// hold a real *Alloc disguised as bytes — the Go GC could reclaim the
// target out from under us. Instead a Heap owns a handle table: every
// Alloc gets a uint64 handle at creation, and pointer fields in a
// payload store that handle (0 means nil). This keeps every live Alloc
// reachable through the Heap's own map (so the host Go runtime never
// collects it early) while preserving the spec's "payload stores
// pointer-sized words, a bitmap says which ones" model exactly.
package heap

import "sync"

// WordSize is the machine word width the heap and every typed operation
// are built around. The VM is a 64-bit implementation throughout.
const WordSize = 8

// Finalizer runs just before an Alloc's payload is released, after its
// pointer fields have already been decremented. Most type descriptors
// carry no finalizer.
type Finalizer func(payload []byte)

// TypeDesc is the immutable triple every heap operation is driven by:
// payload size, a pointer bitmap (one bit per machine word, MSB-first
// within each byte), and an optional finalizer.
//
// The four intrinsic types (string, array, list, channel) don't fit the
// flat byte-payload-plus-bitmap model: their internal layout is a Go
// struct, not bytes the bitmap walker can address. An Alloc for one of
// these sets Ext instead of populating Payload, and its TypeDesc sets
// Trace instead of Bitmap so the GC and refcount machinery still have a
// uniform way to enumerate embedded handles.
type TypeDesc struct {
	Size      int
	Bitmap    []byte
	Finalizer Finalizer

	// Trace enumerates the heap handles embedded in an Ext value,
	// for intrinsic (non-bitmap) allocations. nil for plain ADTs.
	Trace func(ext any, cb func(handle uint64))

	// Name is diagnostic only (module name + type index), used in
	// stack traces and loader error messages.
	Name string
}

// HasPointers reports whether any bit in the bitmap is set, or whether
// the type traces an intrinsic Ext value. Pure-value type descriptors
// (no pointers) are never tracked by the GC; they rely on refcounting
// alone.
func (td *TypeDesc) HasPointers() bool {
	if td.Trace != nil {
		return true
	}
	for _, b := range td.Bitmap {
		if b != 0 {
			return true
		}
	}
	return false
}

// WordCount returns the number of machine words in the payload.
func (td *TypeDesc) WordCount() int {
	return (td.Size + WordSize - 1) / WordSize
}

// Colour is the GC's tricolour mark tag, stored in the Alloc header.
type Colour uint8

const (
	White Colour = iota
	Grey
	Black
)

// Alloc is a heap allocation: header plus payload. Payload is addressed
// byte-wise by bytecode; pointer-typed words within it hold handles
// resolved through the owning Heap.
type Alloc struct {
	Handle  uint64
	Type    *TypeDesc
	Payload []byte

	// Ext holds the Go-native representation for an intrinsic
	// allocation (*types.String, *types.Array, *types.List,
	// *types.Channel). nil for ordinary ADT/frame/MP allocations,
	// whose data lives in Payload instead.
	Ext any

	refcount int32
	colour   Colour
	tracked  bool // linked into the GC's tracked-allocations list
	heap     *Heap
}

// Heap is a reference-counted allocation arena. One Heap per VM;
// process-wide in the single-VM case per §5, but kept instantiable so
// tests can run independent heaps in parallel.
type Heap struct {
	mu      sync.Mutex
	objects map[uint64]*Alloc
	nextID  uint64

	// tracked holds every pointer-containing Alloc, for the GC's mark
	// phase. Pure-value allocations are never appended here.
	tracked map[uint64]*Alloc
}

// New creates an empty Heap.
func New() *Heap {
	return &Heap{
		objects: make(map[uint64]*Alloc),
		tracked: make(map[uint64]*Alloc),
	}
}

// Allocate returns a zero-filled Alloc for td with refcount 1. Pointer
// fields are therefore nil (handle 0) without further initialisation,
// matching the lifecycle invariant that a fresh Alloc's pointer slots
// start nil.
func (h *Heap) Allocate(td *TypeDesc) *Alloc {
	return h.allocate(td, make([]byte, td.Size), nil)
}

// AllocateExt returns an Alloc wrapping an intrinsic Go value (ext)
// instead of a byte payload, with refcount 1. td.Trace must be set so
// destroy/copy know how to walk ext's embedded handles.
func (h *Heap) AllocateExt(td *TypeDesc, ext any) *Alloc {
	return h.allocate(td, nil, ext)
}

func (h *Heap) allocate(td *TypeDesc, payload []byte, ext any) *Alloc {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	a := &Alloc{
		Handle:   h.nextID,
		Type:     td,
		Payload:  payload,
		Ext:      ext,
		refcount: 1,
		heap:     h,
	}
	h.objects[a.Handle] = a
	if td.HasPointers() {
		a.tracked = true
		h.tracked[a.Handle] = a
	}
	return a
}

// Box returns an Alloc of type td whose payload aliases the given
// slice directly (no copy), with refcount 1. This gives an existing
// byte range — a stack frame's locals, in particular — a heap handle
// of its own, so that addressing modes built around chasing a handle
// (§4.D's double-indirect operands) can also reach into a frame that
// hasn't been pushed yet: frame/mframe box the new frame's locals this
// way so the call sequence that follows can store arguments into it
// through an ordinary double-indirect operand, the same mechanism used
// for every other generic pointer chase.
func (h *Heap) Box(td *TypeDesc, payload []byte) *Alloc {
	return h.allocate(td, payload, nil)
}

// Resolve looks up a live Alloc by handle. A zero handle resolves to nil
// (the Dis VM's nil pointer representation).
func (h *Heap) Resolve(handle uint64) *Alloc {
	if handle == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.objects[handle]
}

// Inc increments a's refcount. Called whenever a managed pointer slot is
// assigned to point at a.
func Inc(a *Alloc) {
	if a == nil {
		return
	}
	a.refcount++
}

// Dec decrements a's refcount and destroys it once the count reaches
// zero: every embedded pointer field is itself decremented before the
// finalizer (if any) runs and the payload is released.
func Dec(a *Alloc) {
	if a == nil {
		return
	}
	a.refcount--
	if a.refcount > 0 {
		return
	}
	a.destroy()
}

func (a *Alloc) destroy() {
	h := a.heap
	// Unregister first, and only once: a destroy reached again through a
	// reference cycle finds a already gone and stops there.
	h.mu.Lock()
	if h.objects[a.Handle] != a {
		h.mu.Unlock()
		return
	}
	delete(h.objects, a.Handle)
	if a.tracked {
		delete(h.tracked, a.Handle)
	}
	h.mu.Unlock()
	if a.Type.Trace != nil {
		a.Type.Trace(a.Ext, func(handle uint64) { Dec(h.Resolve(handle)) })
	} else {
		EnumPointerFields(a.Type, a.Payload, func(slot *uint64) {
			Dec(h.Resolve(*slot))
		})
	}
	if a.Type.Finalizer != nil {
		a.Type.Finalizer(a.Payload)
	}
}

// ForceCollect destroys a unconditionally, bypassing the refcount check
// Dec performs. The tricolour collector's sweep phase uses this: an
// allocation the mark phase never reached is garbage regardless of its
// current refcount (a reference cycle keeps every member's count above
// zero forever), so the sweeper must free it directly rather than
// merely decrementing once.
func (h *Heap) ForceCollect(a *Alloc) {
	if a == nil {
		return
	}
	a.destroy()
}

// RefCount returns the current refcount, for tests and GC bookkeeping.
func RefCount(a *Alloc) int32 {
	if a == nil {
		return 0
	}
	return a.refcount
}

// GetColour returns the Alloc's current GC mark colour.
func GetColour(a *Alloc) Colour { return a.colour }

// SetColour paints a with c. The GC uses this during mark and sweep;
// nothing else should call it.
func SetColour(a *Alloc, c Colour) { a.colour = c }

// Copy bitcopies a's payload into a new Alloc of the same type and
// increments the refcount of every embedded pointer, matching the dual
// of destroy. It panics on an intrinsic (Ext-boxed) allocation, whose
// representation isn't a flat byte payload; those values are cloned
// through their own type's methods instead (e.g. types.String.Slice).
func (h *Heap) Copy(a *Alloc) *Alloc {
	if a == nil {
		return nil
	}
	if a.Ext != nil {
		panic("heap: Copy called on an intrinsic allocation")
	}
	out := h.Allocate(a.Type)
	copy(out.Payload, a.Payload)
	EnumPointerFields(out.Type, out.Payload, func(slot *uint64) {
		Inc(h.Resolve(*slot))
	})
	return out
}

// Tracked returns a snapshot of every pointer-containing Alloc, for the
// GC's mark-sweep pass (§4.H) and the testable-property enumeration in
// §8 ("For every entry in a tracked-allocations list...").
func (h *Heap) Tracked() []*Alloc {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Alloc, 0, len(h.tracked))
	for _, a := range h.tracked {
		out = append(out, a)
	}
	return out
}

// Retire drops a's handle from the live-object table without running
// destroy's refcount cascade over its embedded pointer fields. Used when
// an Alloc's payload has been absorbed whole into another still-live
// Alloc rather than released (list cons prepending onto the cell it
// displaces in the same slot): the displaced Alloc's identity goes away,
// but its embedded handles remain owned, now through the new Alloc, so
// they must not be decremented here.
func (h *Heap) Retire(a *Alloc) {
	if a == nil {
		return
	}
	h.mu.Lock()
	delete(h.objects, a.Handle)
	if a.tracked {
		delete(h.tracked, a.Handle)
	}
	h.mu.Unlock()
}

// Lock acquires the heap-wide allocation lock. The GC may take this to
// freeze allocation during a sweep if its algorithm requires it (§5);
// ordinary allocation does not need it since Heap.Allocate already holds
// its own mutex for the duration of bookkeeping.
func (h *Heap) Lock()   { h.mu.Lock() }
func (h *Heap) Unlock() { h.mu.Unlock() }
