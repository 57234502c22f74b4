package tool

import (
	"sync"
	"testing"
	"time"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/vm"
)

func TestSetAndClearBreakpointPatchesOpcode(t *testing.T) {
	mod := &loader.Module{
		Name: "test",
		Code: []loader.Instruction{{Op: loader.OpAddw}},
	}
	d := New()

	cookie, err := d.SetBreakpoint(mod, 0)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if mod.Code[0].Op != vm.OpBrkpt {
		t.Fatalf("opcode not patched to brkpt")
	}

	if _, err := d.SetBreakpoint(mod, 0); err == nil {
		t.Fatalf("setting a second breakpoint at the same pc should fail")
	}

	var seenCookie bool
	d.Subscribe(BreakpointHit, func(ev Event) {
		if ev.Cookie == cookie {
			seenCookie = true
		}
	})

	th := vm.AsThread(vm.NewThreadAlloc(heap.New(), 0, 0, 4096))
	th.EnterModule(&loader.ModRef{Module: mod})
	th.Regs.PC = 0

	orig, ok := d.Breakpoint(th)
	if !ok {
		t.Fatalf("Breakpoint reported no entry for a patched pc")
	}
	if orig != loader.OpAddw {
		t.Fatalf("original opcode = %v, want OpAddw", orig)
	}
	if !seenCookie {
		t.Fatalf("breakpoint event was not published with the right cookie")
	}

	if err := d.ClearBreakpoint(mod, 0); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if mod.Code[0].Op != loader.OpAddw {
		t.Fatalf("ClearBreakpoint did not restore the original opcode")
	}
	if err := d.ClearBreakpoint(mod, 0); err == nil {
		t.Fatalf("clearing an already-cleared breakpoint should fail")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	d := New()
	var calls int
	cookie := d.Subscribe(ThreadEnd, func(Event) { calls++ })
	d.Publish(Event{Kind: ThreadEnd})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	d.Unsubscribe(cookie)
	d.Publish(Event{Kind: ThreadEnd})
	if calls != 1 {
		t.Fatalf("calls = %d after unsubscribe, want still 1", calls)
	}
}

func TestSuspendBlocksUntilThreadsPark(t *testing.T) {
	d := New()
	th := vm.AsThread(vm.NewThreadAlloc(heap.New(), 0, 0, 4096))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Simulate the engine's per-instruction boundary check.
		for {
			if d.Suspended() {
				d.ParkWhileSuspended(th)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	done := make(chan struct{})
	go func() {
		d.Suspend(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Suspend did not return once the thread parked")
	}

	d.Resume()
	wg.Wait()
}
