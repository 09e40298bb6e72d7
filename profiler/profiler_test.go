// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profiler_test

import (
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cycletrace/cycletrace/cycles"
	"github.com/cycletrace/cycletrace/libct"
	"github.com/cycletrace/cycletrace/profiler"
	"github.com/cycletrace/cycletrace/session"
	"github.com/cycletrace/cycletrace/wire"
)

const (
	exitHook = libct.Address(0xe0e0)

	retMain = libct.Address(0x1000)
	retF    = libct.Address(0x1100)
	fAddr   = libct.Address(0x2000)
	gAddr   = libct.Address(0x2100)
	hAddr   = libct.Address(0x2200)
)

func newThreadProfiler(t *testing.T, capacity int,
	values ...uint64) (*profiler.ThreadProfiler, *session.MemoryClient) {
	t.Helper()

	client := session.NewMemoryClient(capacity)
	require.NoError(t, client.CreateSession())
	src := &cycles.Sequence{Values: values}
	return profiler.NewThreadProfiler(client, src, exitHook, 1), client
}

// decodeStream flattens all exchanged segments into their records, in
// stream order.
func decodeStream(t *testing.T, client *session.MemoryClient) (
	mods []wire.ModuleRecord, invs []wire.InvocationRecord) {
	t.Helper()

	for _, payload := range client.Payloads() {
		r := wire.NewReader(payload)
		for {
			kind, body, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			switch kind {
			case wire.KindModuleAttached, wire.KindThreadAttached:
				m, err := wire.DecodeModuleRecord(body)
				require.NoError(t, err)
				mods = append(mods, m)
			case wire.KindInvocationBatch:
				records, err := wire.DecodeInvocationBatch(body)
				require.NoError(t, err)
				invs = append(invs, records...)
			default:
				t.Fatalf("unexpected record kind %#x", uint16(kind))
			}
		}
	}
	return mods, invs
}

// TestNestedCalls is the canonical two-level scenario: f calls g, both
// return in order.
func TestNestedCalls(t *testing.T) {
	tp, client := newThreadProfiler(t, 4096, 100, 200, 300, 400)

	frameF := &profiler.EntryFrame{ReturnAddress: retMain, FramePointer: 0x8000}
	tp.OnFunctionEntry(frameF, fAddr, 100)
	assert.Equal(t, exitHook, frameF.ReturnAddress)

	frameG := &profiler.EntryFrame{ReturnAddress: retF, FramePointer: 0x7f00}
	tp.OnFunctionEntry(frameG, gAddr, 200)

	assert.Equal(t, retF, tp.OnFunctionExit(0x7f00, 300))
	assert.Equal(t, retMain, tp.OnFunctionExit(0x8000, 400))
	assert.Equal(t, 0, tp.StackDepth())

	tp.Close()
	_, invs := decodeStream(t, client)
	require.Len(t, invs, 2)

	// g exits first and is recorded first.
	assert.Equal(t, wire.InvocationRecord{
		Caller: retF, Callee: gAddr,
		NumCalls: 1, CyclesSum: 100, CyclesMin: 100, CyclesMax: 100,
	}, invs[0])
	assert.Equal(t, wire.InvocationRecord{
		Caller: retMain, Callee: fAddr,
		NumCalls: 1, CyclesSum: 300, CyclesMin: 300, CyclesMax: 300,
	}, invs[1])
}

// TestRepeatedCallSite coalesces three calls from one site into a
// single record.
func TestRepeatedCallSite(t *testing.T) {
	tp, client := newThreadProfiler(t, 4096,
		100, 110, 200, 220, 300, 315)

	durations := [][2]uint64{{100, 110}, {200, 220}, {300, 315}}
	for _, d := range durations {
		frame := &profiler.EntryFrame{ReturnAddress: retF, FramePointer: 0x8000}
		tp.OnFunctionEntry(frame, gAddr, d[0])
		assert.Equal(t, retF, tp.OnFunctionExit(0x8000, d[1]))
	}
	assert.Equal(t, 0, tp.StackDepth())

	tp.Close()
	_, invs := decodeStream(t, client)
	require.Len(t, invs, 1)
	assert.Equal(t, wire.InvocationRecord{
		Caller: retF, Callee: gAddr,
		NumCalls: 3, CyclesSum: 45, CyclesMin: 10, CyclesMax: 20,
	}, invs[0])
}

// TestOverheadSubtraction verifies reported durations exclude hook
// overhead and clamp at zero.
func TestOverheadSubtraction(t *testing.T) {
	// Entry at 100 but the post-hook read returns 110: 10 cycles of
	// overhead accrue before g runs.
	tp, client := newThreadProfiler(t, 4096, 110, 210)

	frame := &profiler.EntryFrame{ReturnAddress: retF, FramePointer: 0x8000}
	tp.OnFunctionEntry(frame, gAddr, 100)
	assert.Equal(t, uint64(10), tp.Overhead())

	tp.OnFunctionExit(0x8000, 200)

	tp.Close()
	_, invs := decodeStream(t, client)
	require.Len(t, invs, 1)
	// 100 cycles elapsed, minus 10 cycles of overhead.
	assert.Equal(t, uint64(90), invs[0].CyclesSum)

	// A short call whose elapsed time is below the accumulated
	// overhead reports zero, not an underflow.
	tp2, client2 := newThreadProfiler(t, 4096, 250, 250)
	frame = &profiler.EntryFrame{ReturnAddress: retF, FramePointer: 0x8000}
	tp2.OnFunctionEntry(frame, gAddr, 100) // 150 cycles of overhead accrue
	tp2.OnFunctionExit(0x8000, 240)        // only 140 cycles elapsed
	tp2.Close()
	_, invs = decodeStream(t, client2)
	require.Len(t, invs, 1)
	assert.Zero(t, invs[0].CyclesSum)
}

// TestUnwindTrimsOrphans models an exception thrown from g past f: no
// exit hooks run, and the next entry trims both stale frames.
func TestUnwindTrimsOrphans(t *testing.T) {
	tp, client := newThreadProfiler(t, 4096, 100, 200, 300, 400)

	tp.OnFunctionEntry(&profiler.EntryFrame{
		ReturnAddress: retMain, FramePointer: 0x8000}, fAddr, 100)
	tp.OnFunctionEntry(&profiler.EntryFrame{
		ReturnAddress: retF, FramePointer: 0x7f00}, gAddr, 200)
	assert.Equal(t, 2, tp.StackDepth())

	// The unwind lands back in main; h is entered above both frames.
	frameH := &profiler.EntryFrame{ReturnAddress: retMain, FramePointer: 0x8010}
	tp.OnFunctionEntry(frameH, hAddr, 300)
	assert.Equal(t, 1, tp.StackDepth())

	assert.Equal(t, retMain, tp.OnFunctionExit(0x8010, 400))
	assert.Equal(t, 0, tp.StackDepth())

	tp.Close()
	_, invs := decodeStream(t, client)
	// Only h was observed exiting; the unwound calls left no record.
	require.Len(t, invs, 1)
	assert.Equal(t, hAddr, invs[0].Callee)
}

// TestTailCall verifies attribution when g is entered through f's
// already-displaced frame.
func TestTailCall(t *testing.T) {
	tp, client := newThreadProfiler(t, 4096, 100, 200, 300, 400)

	frameF := &profiler.EntryFrame{ReturnAddress: retMain, FramePointer: 0x8000}
	tp.OnFunctionEntry(frameF, fAddr, 100)

	// f tail-calls g: the reused return slot already holds the exit
	// hook address.
	frameG := &profiler.EntryFrame{ReturnAddress: exitHook, FramePointer: 0x8000}
	tp.OnFunctionEntry(frameG, gAddr, 200)
	assert.Equal(t, 2, tp.StackDepth())

	// g returns into the exit hook, which unwinds g's frame and then
	// f's through a second exit hook round.
	assert.Equal(t, exitHook, tp.OnFunctionExit(0x8000, 300))
	assert.Equal(t, retMain, tp.OnFunctionExit(0x8000, 400))

	tp.Close()
	_, invs := decodeStream(t, client)
	require.Len(t, invs, 2)
	// g is attributed to f's caller, not to the exit thunk.
	assert.Equal(t, retMain, invs[0].Caller)
	assert.Equal(t, gAddr, invs[0].Callee)
}

// TestSegmentRollover fills a segment sized for exactly K records with
// K+1 unique call sites.
func TestSegmentRollover(t *testing.T) {
	const k = 4
	capacity := wire.PrefixSize + k*wire.InvocationRecordSize

	values := make([]uint64, 0, 2*(k+1))
	for i := range uint64(k + 1) {
		values = append(values, 1000*i+100, 1000*i+110)
	}
	tp, client := newThreadProfiler(t, capacity, values...)

	for i := range uint64(k + 1) {
		frame := &profiler.EntryFrame{
			ReturnAddress: retMain + libct.Address(i)*0x10,
			FramePointer:  0x8000,
		}
		tp.OnFunctionEntry(frame, gAddr, 1000*i+100)
		tp.OnFunctionExit(0x8000, 1000*i+110)
	}
	tp.Close()

	payloads := client.Payloads()
	require.Len(t, payloads, 2)

	// Segment A holds the first K records; the K+1th opened a new
	// batch in segment B after the exchange.
	recordsA, err := wire.DecodeInvocationBatch(payloads[0][wire.PrefixSize:])
	require.NoError(t, err)
	assert.Len(t, recordsA, k)

	recordsB, err := wire.DecodeInvocationBatch(payloads[1][wire.PrefixSize:])
	require.NoError(t, err)
	require.Len(t, recordsB, 1)
	assert.Equal(t, retMain+libct.Address(k)*0x10, recordsB[0].Caller)

	headers := client.Headers()
	assert.Equal(t, uint64(0), headers[0].SequenceNumber)
	assert.Equal(t, uint64(1), headers[1].SequenceNumber)
}

// TestModuleEntry covers first-load emission, per-thread dedup and
// the flush ordering that puts the module definition before any
// invocation referencing it.
func TestModuleEntry(t *testing.T) {
	tp, client := newThreadProfiler(t, 4096, 100, 200, 300, 400, 500, 600)

	// A handle below the lowest mappable address: metadata resolution
	// fails and the record goes out zero-filled.
	module := libct.Address(0x10)
	frame := &profiler.EntryFrame{
		ReturnAddress: retMain,
		FramePointer:  0x8000,
		Args:          [2]uint64{uint64(module), uint64(wire.ReasonProcessAttach)},
	}
	tp.OnModuleEntry(frame, fAddr, 100)
	assert.Equal(t, exitHook, frame.ReturnAddress)
	tp.OnFunctionExit(0x8000, 200)

	// Same module again on this thread: no second record.
	frame = &profiler.EntryFrame{
		ReturnAddress: retMain,
		FramePointer:  0x8000,
		Args:          [2]uint64{uint64(module), uint64(wire.ReasonThreadAttach)},
	}
	tp.OnModuleEntry(frame, fAddr, 300)
	tp.OnFunctionExit(0x8000, 400)

	// Detach reasons never emit a record.
	frame = &profiler.EntryFrame{
		ReturnAddress: retMain,
		FramePointer:  0x8000,
		Args:          [2]uint64{uint64(module), uint64(wire.ReasonProcessDetach)},
	}
	tp.OnModuleEntry(frame, fAddr, 500)
	tp.OnFunctionExit(0x8000, 600)

	tp.Close()

	payloads := client.Payloads()
	require.NotEmpty(t, payloads)

	// The module record was flushed on its own, ahead of every
	// invocation batch.
	r := wire.NewReader(payloads[0])
	kind, body, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, wire.KindModuleAttached, kind)
	mod, err := wire.DecodeModuleRecord(body)
	require.NoError(t, err)
	assert.Equal(t, module, mod.BaseAddress)
	assert.Equal(t, wire.ReasonProcessAttach, mod.Reason)
	// Metadata for an unmapped handle is zero-filled, not omitted.
	assert.Zero(t, mod.ImageSize)
	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)

	mods, invs := decodeStream(t, client)
	require.Len(t, mods, 1)
	assert.Len(t, invs, 1)
	assert.Equal(t, uint64(3), invs[0].NumCalls)
}

// TestDisabledSession covers startup failure: every hook becomes a
// no-op and the instrumented program is untouched.
func TestDisabledSession(t *testing.T) {
	client := session.NewMemoryClient(4096)
	client.FailCreate = true
	require.Error(t, client.CreateSession())

	tp := profiler.NewThreadProfiler(client, &cycles.Sequence{}, exitHook, 1)

	frame := &profiler.EntryFrame{ReturnAddress: retMain, FramePointer: 0x8000}
	tp.OnFunctionEntry(frame, fAddr, 100)

	// The return address was not displaced and no state accumulated.
	assert.Equal(t, retMain, frame.ReturnAddress)
	assert.Equal(t, 0, tp.StackDepth())

	tp.Close()
	assert.Empty(t, client.Payloads())
}

// TestGlobalHooks drives the package-level hooks through the process
// singleton, including last-error preservation and thread detach.
func TestGlobalHooks(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var lastError uintptr = 42
	profiler.SetLastErrorAccessors(
		func() uintptr { return lastError },
		func(v uintptr) { lastError = v },
	)

	client := session.NewMemoryClient(4096)
	p := profiler.Init(profiler.Config{
		Client:   client,
		Source:   &cycles.Sequence{Values: []uint64{100, 200}},
		ExitHook: exitHook,
	})
	require.Same(t, p, profiler.Instance())
	require.False(t, p.Client().Disabled())

	frame := &profiler.EntryFrame{ReturnAddress: retMain, FramePointer: 0x8000}
	profiler.FunctionEntry(frame, fAddr, 100)
	assert.Equal(t, exitHook, frame.ReturnAddress)
	assert.Equal(t, uintptr(42), lastError)

	assert.Equal(t, retMain, profiler.FunctionExit(0x8000, 200))
	assert.Equal(t, uintptr(42), lastError)

	profiler.ThreadDetach()
	_, invs := decodeStream(t, client)
	require.Len(t, invs, 1)
	assert.Equal(t, fAddr, invs[0].Callee)

	profiler.ProcessDetach()
}
