package sched

import (
	"context"
	"testing"
	"time"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/vm"
)

func newEntryThread(h *heap.Heap, mod *loader.Module) *heap.Alloc {
	alloc := vm.NewThreadAlloc(h, 0, 0, int(mod.Header.StackExtent))
	th := vm.AsThread(alloc)
	th.EnterModule(&loader.ModRef{Module: mod})
	return alloc
}

func TestRunCompletesSingleThread(t *testing.T) {
	h := heap.New()
	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Code:   []loader.Instruction{{Op: loader.OpExit}},
	}

	e := vm.NewEngine(h, nil)
	s := New(e, h, Config{WorkerCount: 2, Quantum: 4}, nil)
	s.AddThread(newEntryThread(h, mod))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunDetectsDeadlock(t *testing.T) {
	h := heap.New()
	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Code:   []loader.Instruction{{Op: loader.OpExit}},
	}

	alloc := newEntryThread(h, mod)
	th := vm.AsThread(alloc)
	th.Regs.State = vm.BlockedReceiving

	e := vm.NewEngine(h, nil)
	s := New(e, h, Config{WorkerCount: 2, Quantum: 4}, nil)
	s.AddThread(alloc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if err == nil {
		t.Fatalf("Run succeeded, want a deadlock error")
	}
}

func TestEnqueueBlockedThreadResumesIt(t *testing.T) {
	h := heap.New()
	mod := &loader.Module{
		Header: loader.Header{StackExtent: 4096},
		Code:   []loader.Instruction{{Op: loader.OpExit}},
	}

	alloc := newEntryThread(h, mod)
	th := vm.AsThread(alloc)

	e := vm.NewEngine(h, nil)
	s := New(e, h, Config{WorkerCount: 1, Quantum: 4}, nil)

	// Register the thread directly in the blocked set, as requeue would
	// have left it after a channel op parked it (§4.F), then have the
	// rendezvous completion callback hand it back to the ready queue.
	s.mu.Lock()
	s.entries[th.ID] = &threadEntry{alloc: alloc}
	s.blocked[th.ID] = true
	s.mu.Unlock()

	th.Regs.State = vm.Running
	s.EnqueueBlockedThread(th.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestGatherRootsWalksFrameChainAndPendingFrame(t *testing.T) {
	h := heap.New()
	ptrTD := &heap.TypeDesc{Size: heap.WordSize, Bitmap: []byte{0x80}}
	mod := &loader.Module{Header: loader.Header{StackExtent: 4096}}

	alloc := newEntryThread(h, mod)
	th := vm.AsThread(alloc)

	fr, err := th.Regs.Stack.AllocFrame(ptrTD)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	th.Regs.Stack.PushFrame()

	child := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})
	heap.StorePointer(h, fr.Locals, 0, child)
	heap.Dec(child) // the frame now holds the only reference

	pending := h.Allocate(&heap.TypeDesc{Size: heap.WordSize})
	heap.Dec(pending) // only PendingFrame keeps this alive
	th.Regs.PendingFrame = pending

	e := vm.NewEngine(h, nil)
	s := New(e, h, Config{}, nil)

	roots := s.gatherRoots(th)

	var sawChild, sawPending bool
	for _, r := range roots {
		if r == child {
			sawChild = true
		}
		if r == pending {
			sawPending = true
		}
	}
	if !sawChild {
		t.Fatalf("gatherRoots missed the frame's own pointer field")
	}
	if !sawPending {
		t.Fatalf("gatherRoots missed Regs.PendingFrame")
	}
}
