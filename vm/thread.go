package vm

import (
	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/stack"
	"j5.nz/disvm/types"
)

// ThreadTypeDesc marks a heap.Alloc whose Ext is a *Thread. A Thread has
// no embedded pointer fields of its own (its module reference, stack
// and request-mutex are host-side Go structures, not Dis-visible
// pointer slots), so it is refcounted like any intrinsic but never
// walked by the GC tracer — grounded on §3 "Thread": "Threads are
// first-class heap objects so they can be handed to tools and to the
// scheduler interchangeably."
var ThreadTypeDesc = &heap.TypeDesc{Name: "thread"}

// Thread is a VM thread of execution: identity plus the register file
// it runs with (§3 "Thread").
type Thread struct {
	ID       uint32
	ParentID uint32

	Regs Registers

	// BrokenErr holds the error that drove the thread into Broken state.
	BrokenErr error
}

// NewThreadAlloc creates a thread with a fresh, empty stack and boxes it
// as a heap allocation so it can be passed around by handle.
func NewThreadAlloc(h *heap.Heap, id, parentID uint32, stackExtent int) *heap.Alloc {
	th := &Thread{
		ID:       id,
		ParentID: parentID,
	}
	th.Regs.Stack = stack.New(h, stackExtent)
	th.Regs.RequestMutex = types.NewRequestMutex()
	th.Regs.State = Ready
	th.Regs.PC = 0
	th.Regs.NextPC = 0
	return h.AllocateExt(ThreadTypeDesc, th)
}

// AsThread unboxes a heap.Alloc known to hold a *Thread.
func AsThread(a *heap.Alloc) *Thread {
	if a == nil {
		return nil
	}
	return a.Ext.(*Thread)
}

// EnterModule points the thread's current-module and MP-base registers
// at mr, the discipline every call/spawn/load path shares.
func (th *Thread) EnterModule(mr *loader.ModRef) {
	th.Regs.Module = mr
	if mr != nil && mr.MP != nil {
		th.Regs.MP = mr.MP.Payload
	} else {
		th.Regs.MP = nil
	}
}
