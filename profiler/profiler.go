// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package profiler implements the core of the in-process call
// profiler: the entry/exit hooks every instrumented function runs
// through, the per-thread state attributing cycle costs to call
// sites, and the process-wide singleton wiring the hooks to a trace
// session.
//
// The hooks are reached from hand-written thunks that save the caller
// registers and construct an EntryFrame; those thunks, and the
// prologue rewriting that targets them, live outside this module.
package profiler // import "github.com/cycletrace/cycletrace/profiler"

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cycletrace/cycletrace/cycles"
	"github.com/cycletrace/cycletrace/libct"
	"github.com/cycletrace/cycletrace/session"
)

// Config carries the collaborators of a Profiler. Zero fields select
// the production defaults.
type Config struct {
	// Client is the trace session. Defaults to a SocketClient on the
	// CYCLETRACE_ENDPOINT socket.
	Client session.Client
	// Source is the cycle counter. Defaults to the CPU counter.
	Source cycles.Source
	// ExitHook is the address of the exit thunk, both written into
	// displaced return slots and recognized on tail calls. Defaults to
	// the address registered with SetExitHook.
	ExitHook libct.Address
}

// Profiler is the process-wide profiler. It owns the trace session
// and hands out per-thread state; all hook activity runs through it.
type Profiler struct {
	client   session.Client
	source   cycles.Source
	exitHook libct.Address

	// threads maps OS thread IDs to their ThreadProfiler. Hooks hit
	// the lock-free read path; the write path runs once per thread.
	threads sync.Map
}

// The hook thunks are reached through fixed symbols with no context
// pointer, so the profiler they resolve to is process-wide state:
// built exactly once, on whichever thread's hook gets there first,
// and never torn back down into an uninitialized state. Construction
// itself cannot fail — a failed session leaves the instance disabled,
// not absent.
var (
	initOnce sync.Once
	instance atomic.Pointer[Profiler]
)

// exitHookAddr is the exit thunk address registered before the
// profiler initializes.
var exitHookAddr libct.Address

// SetExitHook registers the exit thunk's address. Must be called by
// the thunk shim at load time, before the first hook runs.
func SetExitHook(addr libct.Address) {
	exitHookAddr = addr
}

// Init constructs the process-wide profiler and creates its trace
// session. The first call wins; later calls, and lazy initialization
// through a hook, return the existing instance. Safe to invoke from
// any thread's first hook.
func Init(cfg Config) *Profiler {
	initOnce.Do(func() {
		instance.Store(newProfiler(cfg))
	})
	return instance.Load()
}

// Instance returns the process-wide profiler, constructing it with
// default configuration on first use.
func Instance() *Profiler {
	return Init(Config{})
}

func newProfiler(cfg Config) *Profiler {
	p := &Profiler{
		client:   cfg.Client,
		source:   cfg.Source,
		exitHook: cfg.ExitHook,
	}
	if p.client == nil {
		p.client = session.NewSocketClient("")
	}
	if p.source == nil {
		p.source = cycles.CPU{}
	}
	if p.exitHook == 0 {
		p.exitHook = exitHookAddr
	}

	if err := p.client.CreateSession(); err != nil {
		// The client is now disabled; every hook short-circuits and
		// the instrumented program runs unperturbed.
		log.Errorf("failed to create trace session: %v", err)
	}
	return p
}

// Client returns the profiler's session client.
func (p *Profiler) Client() session.Client { return p.client }

// threadProfiler returns the calling thread's state, creating it on
// first use.
func (p *Profiler) threadProfiler() *ThreadProfiler {
	tid := uint32(unix.Gettid())
	if v, ok := p.threads.Load(tid); ok {
		return v.(*ThreadProfiler)
	}

	tp := NewThreadProfiler(p.client, p.source, p.exitHook, tid)
	actual, _ := p.threads.LoadOrStore(tid, tp)
	return actual.(*ThreadProfiler)
}

// lookupThreadProfiler returns the calling thread's state without
// creating it.
func (p *Profiler) lookupThreadProfiler() *ThreadProfiler {
	if v, ok := p.threads.Load(uint32(unix.Gettid())); ok {
		return v.(*ThreadProfiler)
	}
	return nil
}

// ThreadDetach flushes and releases the calling thread's profiler
// state. Invoked from the thread-detach notification.
func (p *Profiler) ThreadDetach() {
	if v, ok := p.threads.LoadAndDelete(uint32(unix.Gettid())); ok {
		v.(*ThreadProfiler).Close()
	}
}

// ProcessDetach flushes and releases every thread's profiler state.
// Invoked from the process-detach notification during unload.
func (p *Profiler) ProcessDetach() {
	p.threads.Range(func(key, value any) bool {
		p.threads.Delete(key)
		value.(*ThreadProfiler).Close()
		return true
	})
}

// FunctionEntry is the high-level hook behind the function-entry
// thunk.
func FunctionEntry(frame *EntryFrame, callee libct.Address, cyclesNow uint64) {
	defer preserveLastError()()

	p := Instance()
	if p.client.Disabled() {
		return
	}
	p.threadProfiler().OnFunctionEntry(frame, callee, cyclesNow)
}

// ModuleEntry is the high-level hook behind the module-entry thunk.
func ModuleEntry(frame *EntryFrame, callee libct.Address, cyclesNow uint64) {
	defer preserveLastError()()

	p := Instance()
	if p.client.Disabled() {
		return
	}
	p.threadProfiler().OnModuleEntry(frame, callee, cyclesNow)
}

// FunctionExit is the high-level hook behind the exit thunk. It
// returns the real return address the entry hook displaced; the thunk
// restores registers and returns through it.
func FunctionExit(stackPointer libct.Address, cyclesNow uint64) libct.Address {
	defer preserveLastError()()

	// An exit implies a prior entry on this thread; the state must
	// exist.
	tp := Instance().lookupThreadProfiler()
	if tp == nil {
		log.Panicf("function exit on a thread that never entered a hook")
	}
	return tp.OnFunctionExit(stackPointer, cyclesNow)
}

// ThreadDetach flushes and releases the calling thread's profiler
// state on the process-wide profiler, if one exists.
func ThreadDetach() {
	if p := instance.Load(); p != nil {
		p.ThreadDetach()
	}
}

// ProcessDetach tears down all profiler state on the process-wide
// profiler, if one exists.
func ProcessDetach() {
	if p := instance.Load(); p != nil {
		p.ProcessDetach()
	}
}
