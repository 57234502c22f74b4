package vm

import (
	"encoding/binary"
	"testing"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
)

// TestFrameCallReturnRoundTrip exercises frame/call/ret directly against
// the handler functions (bypassing the decoder, since these three
// opcodes' operands encode literal values and module references rather
// than the ordinary addressed-window shapes decode_test would need to
// fabricate).
func TestFrameCallReturnRoundTrip(t *testing.T) {
	h := heap.New()
	calleeTD := wordTD(1)
	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Types:  []*heap.TypeDesc{calleeTD},
		Code:   make([]loader.Instruction, 10),
	}

	th := newTestThread(h, mod, 4096)
	entry, err := th.Regs.Stack.AllocFrame(wordTD(1))
	if err != nil {
		t.Fatalf("AllocFrame(entry): %v", err)
	}
	th.Regs.Stack.PushFrame()

	e := NewEngine(h, nil)

	// frame %0, dest -- allocate the callee's frame and box its locals.
	srcIdx := make([]byte, 4)
	binary.BigEndian.PutUint32(srcIdx, 0)
	destHandle := make([]byte, heap.WordSize)
	th.Regs.Src = srcIdx
	th.Regs.Dest = destHandle

	if err := opFrame(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("opFrame: %v", err)
	}
	handle := binary.BigEndian.Uint64(destHandle)
	boxed := h.Resolve(handle)
	if boxed == nil {
		t.Fatalf("opFrame did not install a handle into dest")
	}
	if boxed.Type != calleeTD {
		t.Fatalf("boxed frame type = %v, want %v", boxed.Type, calleeTD)
	}

	// call $5 -- push the just-allocated frame and jump.
	const targetPC = 5
	callDest := make([]byte, 4)
	binary.BigEndian.PutUint32(callDest, targetPC)
	th.Regs.Dest = callDest
	th.Regs.NextPC = 1 // pc of the instruction after call

	if err := opCall(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("opCall: %v", err)
	}
	if th.Regs.NextPC != targetPC {
		t.Fatalf("NextPC = %d, want %d", th.Regs.NextPC, targetPC)
	}
	callee := th.Regs.Stack.PeekFrame()
	if callee == nil || callee.Type != calleeTD {
		t.Fatalf("call did not push the callee frame")
	}
	if callee.PrevPC != 1 {
		t.Fatalf("callee.PrevPC = %d, want 1", callee.PrevPC)
	}
	if callee.PrevFrame != entry {
		t.Fatalf("callee.PrevFrame does not point back to the entry frame")
	}

	// ret -- pop back to the entry frame.
	if err := opRet(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("opRet: %v", err)
	}
	if th.Regs.NextPC != 1 {
		t.Fatalf("NextPC after ret = %d, want 1", th.Regs.NextPC)
	}
	if th.Regs.Stack.PeekFrame() != entry {
		t.Fatalf("ret did not restore the entry frame")
	}
}

type spySpawner struct {
	spawned *heap.Alloc
}

func (s *spySpawner) Spawn(a *heap.Alloc) { s.spawned = a }

// TestSpawnForksThreadWithCopiedArguments confirms spawn builds a new
// thread whose first frame is a refcount-correct copy of the argument
// frame, and hands it to the attached Spawner.
func TestSpawnForksThreadWithCopiedArguments(t *testing.T) {
	h := heap.New()
	// One pointer-typed local at word offset 0 (bitmap bit 7, MSB-first).
	argTD := &heap.TypeDesc{Name: "args", Size: heap.WordSize, Bitmap: []byte{0x80}}

	const entryPC = 7
	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Types:  []*heap.TypeDesc{argTD},
		Code:   make([]loader.Instruction, entryPC+1),
	}

	th := newTestThread(h, mod, 4096)
	_, err := th.Regs.Stack.AllocFrame(wordTD(1))
	if err != nil {
		t.Fatalf("AllocFrame(entry): %v", err)
	}
	th.Regs.Stack.PushFrame()

	e := NewEngine(h, nil)

	srcIdx := make([]byte, 4)
	binary.BigEndian.PutUint32(srcIdx, 0)
	destHandle := make([]byte, heap.WordSize)
	th.Regs.Src = srcIdx
	th.Regs.Dest = destHandle
	if err := opFrame(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("opFrame: %v", err)
	}

	shared := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})
	boxed := h.Resolve(binary.BigEndian.Uint64(destHandle))
	heap.StorePointer(h, boxed.Payload, 0, shared)
	if got := heap.RefCount(shared); got != 2 {
		t.Fatalf("refcount after storing into the argument frame = %d, want 2", got)
	}

	spawnDest := make([]byte, 4)
	binary.BigEndian.PutUint32(spawnDest, entryPC)
	th.Regs.Dest = spawnDest

	spy := &spySpawner{}
	e.Spawner = spy

	if err := opSpawn(e, th, loader.Instruction{}); err != nil {
		t.Fatalf("opSpawn: %v", err)
	}
	if spy.spawned == nil {
		t.Fatalf("spawn did not hand a thread off to the Spawner")
	}

	child := AsThread(spy.spawned)
	if child.ID == 0 {
		t.Fatalf("spawned thread reused the reserved entry thread id 0")
	}
	if child.ParentID != th.ID {
		t.Fatalf("child.ParentID = %d, want %d", child.ParentID, th.ID)
	}
	if child.Regs.PC != entryPC || child.Regs.NextPC != entryPC {
		t.Fatalf("child PC/NextPC = %d/%d, want %d", child.Regs.PC, child.Regs.NextPC, entryPC)
	}

	childFr := child.Regs.Stack.PeekFrame()
	if childFr == nil {
		t.Fatalf("spawned thread has no pushed frame")
	}
	// forkThread's copy gives the child its own reference (3), then
	// opSpawn's pop of the now-discarded argument frame releases the
	// spawning thread's reference back down to 2: the object ends up
	// owned by the child's frame only, not double-counted.
	if got := heap.RefCount(shared); got != 2 {
		t.Fatalf("refcount after spawn copied the argument frame = %d, want 2", got)
	}

	if th.Regs.Stack.PeekFrame() == nil {
		t.Fatalf("spawning thread's stack should still have its entry frame")
	}
}
