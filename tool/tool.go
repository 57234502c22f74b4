// Package tool implements the debugger/profiler attachment point (§4.I):
// event subscription, a breakpoint side table, and the suspend/resume
// barrier every VM thread checks on its per-instruction dispatcher
// pointer. A Dispatcher satisfies vm.Dispatcher directly, so the engine
// needs no tool-specific import to call into it.
//
// Grounded on original_source/src/vm/debug.cpp's breakpoint side table
// (opcode patched to a synthetic trap, restored on clear) and its
// suspend barrier (a flag plus a parked-thread count spun against the
// scheduler's runnable count).
package tool

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"j5.nz/disvm/loader"
	"j5.nz/disvm/vm"
)

// EventKind names one of the subscribable event channels (§4.I).
type EventKind string

const (
	ModuleVMLoad       EventKind = "module_vm_load"
	ModuleThreadLoad   EventKind = "module_thread_load"
	ThreadBegin        EventKind = "thread_begin"
	ThreadEnd          EventKind = "thread_end"
	ThreadBroken       EventKind = "thread_broken"
	ExceptionRaised    EventKind = "exception_raised"
	ExceptionUnhandled EventKind = "exception_unhandled"
	BreakpointHit      EventKind = "breakpoint"
	Trap               EventKind = "trap"
)

// Event is the context variant carried with a published occurrence.
// Which fields are populated depends on Kind: a breakpoint/trap event
// sets Thread and PC, a module-load event sets Module, an exception
// event sets Thread and String (the exception's message).
type Event struct {
	Kind   EventKind
	Thread *vm.Thread
	Module *loader.Module
	PC     int32
	String string
	Cookie uuid.UUID
}

type subscription struct {
	cookie uuid.UUID
	fn     func(Event)
}

type bpKey struct {
	mod *loader.Module
	pc  int32
}

type bpEntry struct {
	original loader.Opcode
	cookie   uuid.UUID
}

// Dispatcher is the per-VM tool controller: the single object a loaded
// tool drives and the engine checks every instruction. Build one with
// New; the zero value is not ready to use (its maps and park condition
// are nil).
type Dispatcher struct {
	subMu sync.RWMutex
	subs  map[EventKind][]subscription

	bpMu        sync.Mutex
	breakpoints map[bpKey]bpEntry

	suspended atomic.Bool
	parkMu    sync.Mutex
	parkCond  *sync.Cond
	parked    int
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	d := &Dispatcher{
		subs:        make(map[EventKind][]subscription),
		breakpoints: make(map[bpKey]bpEntry),
	}
	d.parkCond = sync.NewCond(&d.parkMu)
	return d
}

// Subscribe registers fn against kind and returns the cookie Unsubscribe
// needs to remove it later.
func (d *Dispatcher) Subscribe(kind EventKind, fn func(Event)) uuid.UUID {
	cookie := uuid.New()
	d.subMu.Lock()
	d.subs[kind] = append(d.subs[kind], subscription{cookie: cookie, fn: fn})
	d.subMu.Unlock()
	return cookie
}

// Unsubscribe removes the subscription identified by cookie, if any.
func (d *Dispatcher) Unsubscribe(cookie uuid.UUID) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for kind, subs := range d.subs {
		for i, s := range subs {
			if s.cookie == cookie {
				d.subs[kind] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish fans ev out to every subscriber of ev.Kind. Safe to call from
// any goroutine, including a VM worker mid-instruction.
func (d *Dispatcher) Publish(ev Event) {
	d.subMu.RLock()
	subs := d.subs[ev.Kind]
	d.subMu.RUnlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// SetBreakpoint patches mod.Code[pc]'s opcode to the synthetic brkpt
// opcode, remembering the original so Breakpoint and ClearBreakpoint can
// restore it. Returns the cookie identifying this breakpoint.
func (d *Dispatcher) SetBreakpoint(mod *loader.Module, pc int32) (uuid.UUID, error) {
	if pc < 0 || int(pc) >= len(mod.Code) {
		return uuid.Nil, errors.Errorf("breakpoint pc %d out of range for module %q", pc, mod.Name)
	}
	key := bpKey{mod: mod, pc: pc}

	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	if _, exists := d.breakpoints[key]; exists {
		return uuid.Nil, errors.Errorf("breakpoint already set at %s:%d", mod.Name, pc)
	}
	cookie := uuid.New()
	d.breakpoints[key] = bpEntry{original: mod.Code[pc].Op, cookie: cookie}
	mod.Code[pc].Op = vm.OpBrkpt
	return cookie, nil
}

// ClearBreakpoint restores the opcode SetBreakpoint patched out.
func (d *Dispatcher) ClearBreakpoint(mod *loader.Module, pc int32) error {
	key := bpKey{mod: mod, pc: pc}

	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	entry, ok := d.breakpoints[key]
	if !ok {
		return errors.Errorf("no breakpoint set at %s:%d", mod.Name, pc)
	}
	mod.Code[pc].Op = entry.original
	delete(d.breakpoints, key)
	return nil
}

// Breakpoint implements vm.Dispatcher: the engine calls this when it is
// about to execute a brkpt opcode, and uses the returned opcode in its
// place for this one instruction.
func (d *Dispatcher) Breakpoint(th *vm.Thread) (loader.Opcode, bool) {
	mod := th.Regs.Module.Module
	key := bpKey{mod: mod, pc: th.Regs.PC}

	d.bpMu.Lock()
	entry, ok := d.breakpoints[key]
	d.bpMu.Unlock()
	if !ok {
		return 0, false
	}

	d.Publish(Event{Kind: BreakpointHit, Thread: th, Module: mod, PC: th.Regs.PC, Cookie: entry.cookie})
	return entry.original, true
}

// Trap implements vm.Dispatcher: fired after a single-stepped
// instruction when the thread's Trap flag was set.
func (d *Dispatcher) Trap(th *vm.Thread) {
	d.Publish(Event{Kind: Trap, Thread: th, Module: th.Regs.Module.Module, PC: th.Regs.PC})
}

// Suspended implements vm.Dispatcher.
func (d *Dispatcher) Suspended() bool { return d.suspended.Load() }

// ParkWhileSuspended implements vm.Dispatcher: a thread calls this at an
// instruction boundary and blocks here for as long as suspension is in
// effect, registering itself as parked so Suspend's barrier can observe
// it.
func (d *Dispatcher) ParkWhileSuspended(th *vm.Thread) {
	if !d.suspended.Load() {
		return
	}
	d.parkMu.Lock()
	d.parked++
	d.parkCond.Broadcast()
	for d.suspended.Load() {
		d.parkCond.Wait()
	}
	d.parked--
	d.parkMu.Unlock()
}

// Suspend raises the suspension flag and blocks until runnableThreads
// threads are parked inside ParkWhileSuspended. The caller computes
// runnableThreads itself (the scheduler's current runnable-thread count,
// minus one if the caller is itself a VM thread driving this call
// in-band rather than the host's own debugger goroutine) — matching
// §4.I's "count of threads parked... equals the scheduler's
// runnable-thread count minus the caller".
func (d *Dispatcher) Suspend(runnableThreads int) {
	d.suspended.Store(true)
	d.parkMu.Lock()
	for d.parked < runnableThreads {
		d.parkCond.Wait()
	}
	d.parkMu.Unlock()
}

// Resume clears the suspension flag and wakes every parked thread.
func (d *Dispatcher) Resume() {
	d.suspended.Store(false)
	d.parkMu.Lock()
	d.parkCond.Broadcast()
	d.parkMu.Unlock()
}
