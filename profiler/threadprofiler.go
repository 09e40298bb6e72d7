// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "github.com/cycletrace/cycletrace/profiler"

import (
	log "github.com/sirupsen/logrus"

	"github.com/cycletrace/cycletrace/cycles"
	"github.com/cycletrace/cycletrace/libct"
	"github.com/cycletrace/cycletrace/modinfo"
	"github.com/cycletrace/cycletrace/session"
	"github.com/cycletrace/cycletrace/shadow"
	"github.com/cycletrace/cycletrace/wire"
)

// InvocationKey identifies a call site: where the call was made from
// and what it called.
type InvocationKey struct {
	Caller libct.Address
	Callee libct.Address
}

// ThreadProfiler holds all mutable profiler state of one thread. It is
// only ever touched by its owning thread, so the hooks take no locks.
type ThreadProfiler struct {
	client   session.Client
	source   cycles.Source
	exitHook libct.Address
	tid      uint32

	stack shadow.Stack

	// invocations maps call sites to their record slot inside the
	// active segment. The slots point into the segment, so the map is
	// dropped whenever the segment is exchanged.
	invocations map[InvocationKey]wire.Slot

	// modules tracks which modules this thread has already described
	// in the trace.
	modules libct.Set[libct.Address]

	segment *wire.Segment

	// batchOpen reports whether the last record in the segment is an
	// invocation batch that can still grow in place.
	batchOpen bool

	// cyclesOverhead tallies the cycles spent inside the hooks. It is
	// subtracted from measured durations so they approximate user code
	// only. Monotonic within the thread.
	cyclesOverhead uint64

	// inHook guards against the profiler's own code path reaching an
	// instrumented prologue: a nested entry hook must not observe or
	// displace anything.
	inHook bool
}

// NewThreadProfiler returns the profiler state for one thread.
func NewThreadProfiler(client session.Client, source cycles.Source,
	exitHook libct.Address, tid uint32) *ThreadProfiler {
	return &ThreadProfiler{
		client:      client,
		source:      source,
		exitHook:    exitHook,
		tid:         tid,
		invocations: make(map[InvocationKey]wire.Slot),
		modules:     make(libct.Set[libct.Address]),
		segment:     client.AllocateSegment(tid),
	}
}

// StackDepth returns the current shadow stack depth.
func (t *ThreadProfiler) StackDepth() int { return t.stack.Depth() }

// Overhead returns the accumulated in-hook cycle overhead.
func (t *ThreadProfiler) Overhead() uint64 { return t.cyclesOverhead }

// OnFunctionEntry observes an instrumented call. It pushes a shadow
// frame and displaces the frame's return address so the epilogue
// reaches the exit hook.
func (t *ThreadProfiler) OnFunctionEntry(frame *EntryFrame, callee libct.Address,
	cyclesNow uint64) {
	if t.client.Disabled() || t.inHook {
		return
	}
	t.inHook = true
	defer func() { t.inHook = false }()

	t.functionEntry(frame, callee, cyclesNow)
}

func (t *ThreadProfiler) functionEntry(frame *EntryFrame, callee libct.Address,
	cyclesNow uint64) {
	// Re-checked here: a module entry may have disabled the session
	// while emitting its record.
	if t.client.Disabled() {
		return
	}

	t.stack.TrimOnEntry(frame.FramePointer)

	caller := frame.ReturnAddress
	if caller == t.exitHook {
		// The callee was tail-called: the frame it inherited was
		// already displaced, so the observed return address is our own
		// exit thunk. Attribute the call to the displaced frame's
		// caller instead.
		if top := t.stack.Top(); top != nil {
			caller = top.Caller
		}
	}

	t.stack.Push(shadow.Frame{
		Caller:      caller,
		Callee:      callee,
		EntryCycles: cyclesNow - t.cyclesOverhead,
		RealReturn:  frame.ReturnAddress,
		Snapshot:    frame.FramePointer,
	})

	// Arrange to return to the exit hook. The push above must come
	// first: once the slot is overwritten, only the shadow stack knows
	// the real return address.
	frame.ReturnAddress = t.exitHook

	t.updateOverhead(cyclesNow)
}

// OnFunctionExit observes an instrumented return. It pops the matching
// shadow frame, records the invocation and returns the real return
// address the entry hook displaced. The exit hook cannot short-circuit
// on a disabled session: the displaced return address must still be
// recovered.
func (t *ThreadProfiler) OnFunctionExit(stackPointer libct.Address,
	cyclesNow uint64) libct.Address {
	t.inHook = true
	defer func() { t.inHook = false }()

	t.stack.TrimOnExit(stackPointer)
	frame := t.stack.Pop()

	// Cycles in the invocation, exclusive of our own overhead,
	// clamped: overhead accrued since entry may exceed a short call.
	var duration uint64
	if elapsed := cyclesNow - frame.EntryCycles; elapsed > t.cyclesOverhead {
		duration = elapsed - t.cyclesOverhead
	}

	if !t.client.Disabled() {
		t.recordInvocation(frame.Caller, frame.Callee, duration)
	}

	t.updateOverhead(cyclesNow)
	return frame.RealReturn
}

// OnModuleEntry observes a module-load entry point. The function
// invoked has a loader-callback signature: the entry frame's first
// argument slots carry the module handle and the load reason.
func (t *ThreadProfiler) OnModuleEntry(frame *EntryFrame, callee libct.Address,
	cyclesNow uint64) {
	if t.client.Disabled() || t.inHook {
		return
	}
	t.inHook = true
	defer func() { t.inHook = false }()

	module := libct.Address(frame.Args[0])
	reason := uint32(frame.Args[1])

	if kind, attach := wire.ReasonKind(reason); attach {
		if _, seen := t.modules[module]; !seen {
			t.modules[module] = libct.Void{}
			t.emitModuleRecord(module, kind, reason)
		}
	} else if reason != wire.ReasonProcessDetach && reason != wire.ReasonThreadDetach {
		log.Warnf("unrecognized module event %d for module %#x", reason, uint64(module))
	}

	// A module-load callee is still a function; record its entry.
	t.functionEntry(frame, callee, cyclesNow)
}

func (t *ThreadProfiler) emitModuleRecord(module libct.Address, kind wire.RecordKind,
	reason uint32) {
	if !t.segment.CanAllocate(wire.ModuleRecordSize) && !t.flushSegment() {
		return
	}

	payload := t.segment.PlaceRecord(kind, wire.ModuleRecordSize)
	if payload == nil {
		return
	}

	info, err := modinfo.Resolve(module)
	if err != nil {
		// Emit the record anyway with zeroed metadata so the collector
		// still learns of the module.
		log.Warnf("failed to read metadata for module %#x: %v", uint64(module), err)
	}
	record := wire.ModuleRecord{
		BaseAddress:   module,
		ImageSize:     info.Size,
		Checksum:      info.Checksum,
		TimeDateStamp: info.TimeDateStamp,
		FileIDHi:      info.FileIDHi,
		FileIDLo:      info.FileIDLo,
		Reason:        reason,
		ImageName:     info.Path,
	}
	record.EncodeTo(payload)

	// Flush right away so the module definition reaches the collector
	// before invocation records referencing code inside it, possibly
	// arriving from other threads.
	t.flushSegment()
}

func (t *ThreadProfiler) recordInvocation(caller, callee libct.Address,
	duration uint64) {
	key := InvocationKey{Caller: caller, Callee: callee}
	if slot, ok := t.invocations[key]; ok {
		slot.Observe(duration)
		return
	}

	slot := t.allocateInvocationSlot()
	if slot == nil {
		// Segment exhausted and the exchange failed; drop the sample.
		return
	}
	slot.Init(caller, callee, duration)
	t.invocations[key] = slot
}

// allocateInvocationSlot returns a fresh record slot inside the active
// segment, growing the open batch when possible, starting a new batch
// otherwise, and exchanging the segment when full.
func (t *ThreadProfiler) allocateInvocationSlot() wire.Slot {
	// Do we have a batch that we can grow?
	if t.batchOpen && t.segment.CanAllocateRaw(wire.InvocationRecordSize) {
		return wire.Slot(t.segment.ExtendOpenRecord(wire.InvocationRecordSize))
	}

	// Do we need to exchange for a fresh segment?
	if !t.segment.CanAllocate(wire.InvocationRecordSize) && !t.flushSegment() {
		return nil
	}

	payload := t.segment.PlaceRecord(wire.KindInvocationBatch, wire.InvocationRecordSize)
	if payload == nil {
		// An empty segment that cannot hold a single-record batch can
		// never make progress.
		log.Errorf("segment capacity %d below minimal invocation batch, disabling",
			t.segment.Capacity())
		t.client.Disable()
		return nil
	}
	t.batchOpen = true
	return wire.Slot(payload)
}

// flushSegment exchanges the current segment for an empty one. The
// open batch and the invocation table reference the outgoing bytes and
// are dropped regardless of the exchange outcome.
func (t *ThreadProfiler) flushSegment() bool {
	t.batchOpen = false
	clear(t.invocations)

	return t.client.Exchange(t.segment) == nil
}

// updateOverhead charges the cycles spent since the hook read its
// timestamp to the overhead accumulator.
func (t *ThreadProfiler) updateOverhead(entryCycles uint64) {
	t.cyclesOverhead += t.source.Cycles() - entryCycles
}

// Close flushes the thread's remaining records, best effort. Called on
// thread detach and process teardown.
func (t *ThreadProfiler) Close() {
	if t.client.Disabled() {
		return
	}
	if t.segment.Len() > 0 {
		t.flushSegment()
	}
}
