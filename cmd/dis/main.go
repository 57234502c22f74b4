// Command dis runs a single Dis VM module to completion: load the
// module file, build its entry thread, and drive the scheduler until
// every thread exits, a deadlock is detected, or one breaks.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"j5.nz/disvm/builtin"
	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/sched"
	"j5.nz/disvm/tool"
	"j5.nz/disvm/vm"
)

// These variables are the CLI surface (§6): worker count, cooperative scheduling
// quantum, GC trigger period, module probing paths, log level, and an
// optional one-shot breakpoint in the entry module for a first look at
// the debugger attachment point.
var (
	workerCount  = 4
	quantum      = 64
	gcEvery      uint64 = 64
	probingPaths []string
	traceLevel   = "info"
	breakAtPC    = -1
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-workers N] [-quantum N] [-gc N] [-I path] [-trace level] [-break pc] <module.dis>\n", os.Args[0])
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], fmt.Sprintf(format, args...))
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var modulePath string
	i := 1
	for i < len(os.Args) {
		switch {
		case os.Args[i] == "-workers" && i+1 < len(os.Args):
			n, err := strconv.Atoi(os.Args[i+1])
			if err != nil {
				fail("invalid -workers value %q", os.Args[i+1])
			}
			workerCount = n
			i += 2
		case os.Args[i] == "-quantum" && i+1 < len(os.Args):
			n, err := strconv.Atoi(os.Args[i+1])
			if err != nil {
				fail("invalid -quantum value %q", os.Args[i+1])
			}
			quantum = n
			i += 2
		case os.Args[i] == "-gc" && i+1 < len(os.Args):
			n, err := strconv.Atoi(os.Args[i+1])
			if err != nil {
				fail("invalid -gc value %q", os.Args[i+1])
			}
			gcEvery = uint64(n)
			i += 2
		case os.Args[i] == "-I" && i+1 < len(os.Args):
			probingPaths = append(probingPaths, os.Args[i+1])
			i += 2
		case os.Args[i] == "-trace" && i+1 < len(os.Args):
			traceLevel = os.Args[i+1]
			i += 2
		case os.Args[i] == "-break" && i+1 < len(os.Args):
			n, err := strconv.Atoi(os.Args[i+1])
			if err != nil {
				fail("invalid -break value %q", os.Args[i+1])
			}
			breakAtPC = n
			i += 2
		case strings.HasPrefix(os.Args[i], "-"):
			fail("unrecognised flag %q", os.Args[i])
		default:
			if modulePath != "" {
				fail("only one module path may be given")
			}
			modulePath = os.Args[i]
			i++
		}
	}
	if modulePath == "" {
		usage()
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	lvl, err := logrus.ParseLevel(traceLevel)
	if err != nil {
		fail("invalid -trace level %q: %v", traceLevel, err)
	}
	log.SetLevel(lvl)

	file, err := os.Open(modulePath)
	if err != nil {
		fail("%v", err)
	}
	mod, err := loader.ReadModule(file)
	file.Close()
	if err != nil {
		fail("%v", err)
	}
	if mod.Header.EntryPC == loader.NoEntryPC {
		fail("module %q has no entry point", mod.Name)
	}
	if int(mod.Header.EntryType) < 0 || int(mod.Header.EntryType) >= len(mod.Types) {
		fail("module %q: invalid entry frame type", mod.Name)
	}

	h := heap.New()
	resolver := loader.NewFileResolver()
	resolver.ProbingPaths = probingPaths
	e := vm.NewEngine(h, resolver)
	e.Builtins = builtin.NewRegistry()

	var dispatcher *tool.Dispatcher
	if breakAtPC >= 0 {
		dispatcher = tool.New()
		dispatcher.Subscribe(tool.BreakpointHit, func(ev tool.Event) {
			log.WithFields(logrus.Fields{"module": ev.Module.Name, "pc": ev.PC}).Info("breakpoint hit")
		})
		if _, err := dispatcher.SetBreakpoint(mod, int32(breakAtPC)); err != nil {
			fail("%v", err)
		}
	}

	mr := loader.NewModRef(h, mod)
	entryAlloc := vm.NewThreadAlloc(h, 0, 0, int(mod.Header.StackExtent))
	entryTh := vm.AsThread(entryAlloc)
	entryTh.EnterModule(mr)

	if _, err := entryTh.Regs.Stack.AllocFrame(mod.Types[mod.Header.EntryType]); err != nil {
		fail("allocating entry frame: %v", err)
	}
	entryTh.Regs.Stack.PushFrame()
	entryTh.Regs.PC = mod.Header.EntryPC
	entryTh.Regs.NextPC = mod.Header.EntryPC

	if dispatcher != nil {
		entryTh.Regs.StoreDispatcher(dispatcher)
	}

	s := sched.New(e, h, sched.Config{WorkerCount: workerCount, Quantum: quantum, GCEvery: gcEvery}, log)
	if dispatcher != nil {
		s.OnEvent = func(kind string, th *vm.Thread) {
			dispatcher.Publish(tool.Event{Kind: tool.EventKind(kind), Thread: th})
		}
	}
	s.AddThread(entryAlloc)

	if err := s.Run(context.Background()); err != nil {
		fail("%v", err)
	}
}
