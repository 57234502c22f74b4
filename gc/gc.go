// Package gc implements the Dis VM's tricolour mark-sweep collector
// (§4.H): a stop-the-world pass over the heap's tracked allocations,
// run only while the scheduler holds every thread quiescent.
//
// Grounded on original_source/src/vm/garbage_collector.cpp's epoch/
// colour scheme: three colours cycle role every run so the collector
// never needs an O(n) "reset every object to white" pass between
// collections — "current" and "sweeper" are just two of the three
// colours, one epoch apart.
package gc

import (
	"github.com/sirupsen/logrus"

	"j5.nz/disvm/heap"
)

// Stats summarises one Collect run, mirroring the counters the
// original's collector maintains for its own diagnostics.
type Stats struct {
	Epoch          uint64
	Marked         int
	Swept          int
	BytesReclaimed int64
}

// Collector runs tricolour mark-sweep passes over a single heap.
type Collector struct {
	h     *heap.Heap
	epoch uint64
	log   *logrus.Logger
}

// New returns a Collector for h. log may be nil (logrus.StandardLogger
// is used in that case).
func New(h *heap.Heap, log *logrus.Logger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Collector{h: h, log: log}
}

// Collect runs one mark-sweep pass. roots is the root set the caller
// (the scheduler, per §4.H: each thread's MP register, each stack
// frame's embedded pointer fields, each frame's previous-module-
// reference's MP) has already gathered; Collect only needs where to
// start tracing from, not how those roots were found.
//
// The caller must guarantee every VM thread is quiescent for the
// duration of this call (the scheduler's GC barrier, §4.G) — Collect
// takes no lock of its own against concurrent bytecode execution.
func (c *Collector) Collect(roots []*heap.Alloc) Stats {
	// current is the colour a surviving object is repainted; sweeper is
	// the colour the previous collection repainted its survivors with,
	// so anything that survived the last pass and is not reached in this
	// one is swept now, with no extra epoch of grace. Allocations still
	// carrying their zero-value White are swept by the next pass whose
	// sweeper colour is White. Offsetting by one, rather than
	// cycling from zero, makes the very first collection (epoch 0)
	// treat every object's untouched zero-value colour (White) as the
	// sweeper colour, so pre-existing unreachable garbage is collected
	// on the first pass without a separate "paint everything white"
	// priming step.
	current := heap.Colour((c.epoch + 1) % 3)
	sweeper := heap.Colour(c.epoch % 3)

	marked := 0
	visited := make(map[*heap.Alloc]bool)
	var mark func(a *heap.Alloc)
	mark = func(a *heap.Alloc) {
		if a == nil || visited[a] {
			return
		}
		visited[a] = true
		heap.SetColour(a, current)
		marked++
		if a.Type.Trace != nil {
			a.Type.Trace(a.Ext, func(handle uint64) { mark(c.h.Resolve(handle)) })
		} else {
			heap.EnumPointerFields(a.Type, a.Payload, func(slot *uint64) { mark(c.h.Resolve(*slot)) })
		}
	}
	for _, r := range roots {
		mark(r)
	}

	swept := 0
	var reclaimed int64
	for _, a := range c.h.Tracked() {
		if heap.GetColour(a) != sweeper {
			continue
		}
		reclaimed += int64(len(a.Payload))
		c.h.ForceCollect(a)
		swept++
	}

	stats := Stats{Epoch: c.epoch, Marked: marked, Swept: swept, BytesReclaimed: reclaimed}
	c.log.WithFields(logrus.Fields{
		"epoch": stats.Epoch, "marked": stats.Marked, "swept": stats.Swept, "bytes": stats.BytesReclaimed,
	}).Debug("gc: collection complete")

	c.epoch++
	return stats
}

// Due reports whether epoch n is a collection epoch, per §4.G's "low
// bits of a counter" trigger. every controls the period; cmd/dis sets
// it with its -gc flag, 64 by default, and 0 disables collection.
func Due(n uint64, every uint64) bool {
	if every == 0 {
		return false
	}
	return n%every == 0
}
