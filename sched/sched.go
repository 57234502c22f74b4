// Package sched implements the Dis VM's cooperative worker pool (§4.G):
// a fixed number of goroutines draining a shared ready queue, each
// running a thread for one quantum of instructions before yielding it
// back, plus the garbage-collection barrier and deadlock detection that
// sit on top.
//
// Grounded on original_source/src/vm/schedule.cpp's run-queue/blocked-set
// split and its "every thread blocked with nothing ready" deadlock
// check; the worker goroutines themselves are coordinated with
// golang.org/x/sync/errgroup, the same pattern the rtg frontend's
// build-fan-out uses for a pool of independent workers that should all
// stop the moment any one of them fails.
package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"j5.nz/disvm/gc"
	"j5.nz/disvm/heap"
	"j5.nz/disvm/vm"
)

// Config is the scheduler's tunable surface, set from the command line
// (§6 "worker thread count", "quantum", "GC period").
type Config struct {
	// WorkerCount is the number of goroutines draining the ready queue.
	WorkerCount int
	// Quantum is the maximum number of instructions a worker executes
	// on a thread before yielding it back to the ready queue.
	Quantum int
	// GCEvery triggers a collection every GCEvery retired quanta. Zero
	// disables periodic collection (tests and embedders that drive
	// gc.Collector directly can still call it by hand).
	GCEvery uint64
}

type threadEntry struct {
	alloc *heap.Alloc
	mu    sync.Mutex
}

// Scheduler is the worker pool itself: a ready queue, a blocked set, and
// the per-thread ownership mutex that keeps at most one worker stepping
// a given thread at a time.
type Scheduler struct {
	engine *vm.Engine
	heap   *heap.Heap
	gcCol  *gc.Collector
	cfg    Config
	log    *logrus.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	ready       []uint32
	blocked     map[uint32]bool
	entries     map[uint32]*threadEntry
	shutdown    bool
	deadlockErr error

	// gcMu excludes every worker's step loop while a collection runs:
	// workers hold the read side for the duration of a quantum, the GC
	// barrier takes the write side once a collection is due.
	gcMu sync.RWMutex

	retired uint64

	// OnEvent, if set, is notified of thread lifecycle transitions
	// (§4.I's thread_begin/thread_end/thread_broken events) without this
	// package needing to import the tool package — the host wires it to
	// a tool.Dispatcher's Publish method.
	OnEvent func(kind string, th *vm.Thread)
}

// New builds a Scheduler over e/h and installs itself as e's Spawner and
// SchedulerControl, so opspawn/mspawn and the channel rendezvous
// completion callbacks reach this pool directly.
func New(e *vm.Engine, h *heap.Heap, cfg Config, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.Quantum < 1 {
		cfg.Quantum = 1
	}
	s := &Scheduler{
		engine:  e,
		heap:    h,
		cfg:     cfg,
		log:     log,
		gcCol:   gc.New(h, log),
		blocked: make(map[uint32]bool),
		entries: make(map[uint32]*threadEntry),
	}
	s.cond = sync.NewCond(&s.mu)
	e.Spawner = s
	e.Scheduler = s
	return s
}

// AddThread registers alloc (a vm.NewThreadAlloc result) as runnable.
// The host calls this once for the entry thread before Run; Spawn calls
// it again for every thread spawn/mspawn forks off.
func (s *Scheduler) AddThread(alloc *heap.Alloc) {
	th := vm.AsThread(alloc)
	s.mu.Lock()
	s.entries[th.ID] = &threadEntry{alloc: alloc}
	s.ready = append(s.ready, th.ID)
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.OnEvent != nil {
		s.OnEvent("thread_begin", th)
	}
}

// Spawn implements vm.Spawner.
func (s *Scheduler) Spawn(threadAlloc *heap.Alloc) { s.AddThread(threadAlloc) }

// EnqueueBlockedThread implements vm.SchedulerControl: a channel
// request's completion callback (§4.F) hands a blocked thread back to
// the ready queue. Takes both the scheduler lock and the thread's own
// ownership mutex, so this can never race the worker that is
// concurrently retiring the same thread into the blocked set — whichever
// of the two observes the other's update second is a no-op.
func (s *Scheduler) EnqueueBlockedThread(threadID uint32) {
	s.mu.Lock()
	entry, ok := s.entries[threadID]
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.blocked[threadID] {
		return
	}
	delete(s.blocked, threadID)
	s.ready = append(s.ready, threadID)
	s.cond.Broadcast()
}

// Run drives the worker pool until every registered thread has reached a
// terminal state, a deadlock is detected (the ready queue is empty and
// every remaining thread is blocked), or a thread breaks with a system
// fault. It returns the first such error, or nil on clean exit.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		g.Go(func() error { return s.workerLoop(gctx) })
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
		case <-stop:
		}
		s.mu.Lock()
		s.shutdown = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	err := g.Wait()
	close(stop)
	return err
}

// popReady blocks until a thread id is ready to run, a deadlock is
// declared, or the pool is shutting down.
func (s *Scheduler) popReady() (id uint32, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.ready) > 0 {
			id = s.ready[0]
			s.ready = s.ready[1:]
			return id, nil, true
		}
		if s.deadlockErr != nil {
			return 0, s.deadlockErr, false
		}
		if s.shutdown || len(s.entries) == 0 {
			return 0, nil, false
		}
		if len(s.blocked) == len(s.entries) {
			s.deadlockErr = errors.New("sched: deadlock, every registered thread is blocked")
			s.log.Error(s.deadlockErr)
			s.shutdown = true
			s.cond.Broadcast()
			return 0, s.deadlockErr, false
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		id, err, ok := s.popReady()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		s.mu.Lock()
		entry := s.entries[id]
		s.mu.Unlock()
		if entry == nil {
			continue
		}

		if err := s.runQuantum(entry); err != nil {
			return err
		}
		s.maybeCollect()
	}
}

// runQuantum steps entry's thread up to Quantum instructions (or until
// it blocks, exits, or is preempted into something other than Running),
// then requeues it according to the state it ended in.
func (s *Scheduler) runQuantum(entry *threadEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	th := vm.AsThread(entry.alloc)
	if th.Regs.State == vm.Ready {
		th.Regs.State = vm.Running
	}
	for i := 0; i < s.cfg.Quantum && th.Regs.State == vm.Running; i++ {
		if err := s.engine.Step(th); err != nil {
			s.log.WithError(err).WithField("thread", th.ID).Error("sched: thread broken")
			if s.OnEvent != nil {
				s.OnEvent("thread_broken", th)
			}
			return err
		}
	}

	s.requeue(th)
	return nil
}

func (s *Scheduler) requeue(th *vm.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case th.Regs.State.Terminal():
		delete(s.entries, th.ID)
		delete(s.blocked, th.ID)
		s.log.WithFields(logrus.Fields{"thread": th.ID, "state": th.Regs.State}).Debug("sched: thread retired")
		if s.OnEvent != nil && th.Regs.State != vm.Broken {
			s.OnEvent("thread_end", th)
		}
	case th.Regs.State.Blocked():
		s.blocked[th.ID] = true
	default:
		// Still runnable, just quantum-exhausted: demote back to Ready
		// while it waits in the queue, distinct from a worker actively
		// stepping it (Running).
		th.Regs.State = vm.Ready
		s.ready = append(s.ready, th.ID)
	}
	s.cond.Broadcast()
}

// maybeCollect runs a GC pass once every GCEvery retired quanta (§4.G's
// "low bits of a counter" trigger, gc.Due), taking the write side of
// gcMu so no worker is mid-quantum while the sweep runs.
func (s *Scheduler) maybeCollect() {
	n := atomic.AddUint64(&s.retired, 1)
	if !gc.Due(n, s.cfg.GCEvery) {
		return
	}

	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	s.mu.Lock()
	roots := make([]*heap.Alloc, 0, len(s.entries)*4)
	for _, e := range s.entries {
		roots = append(roots, s.gatherRoots(vm.AsThread(e.alloc))...)
	}
	s.mu.Unlock()

	s.gcCol.Collect(roots)
}

// gatherRoots walks the root set named in §4.H: a thread's current MP
// register, every stack frame's embedded pointer fields, each frame's
// previous-module-reference's MP, and (this port's own addition, see
// Registers.PendingFrame) a frame/mframe-allocated handle not yet
// consumed by its matching call/mcall/spawn/mspawn.
func (s *Scheduler) gatherRoots(th *vm.Thread) []*heap.Alloc {
	var roots []*heap.Alloc
	if th.Regs.Module != nil && th.Regs.Module.MP != nil {
		roots = append(roots, th.Regs.Module.MP)
	}
	if th.Regs.PendingFrame != nil {
		roots = append(roots, th.Regs.PendingFrame)
	}
	for fr := th.Regs.Stack.PeekFrame(); fr != nil; fr = fr.PrevFrame {
		heap.EnumPointerFields(fr.Type, fr.Locals, func(slot *uint64) {
			if a := s.heap.Resolve(*slot); a != nil {
				roots = append(roots, a)
			}
		})
		if fr.PrevModuleRef != nil && fr.PrevModuleRef.MP != nil {
			roots = append(roots, fr.PrevModuleRef.MP)
		}
	}
	return roots
}
