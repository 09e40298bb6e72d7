// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "github.com/cycletrace/cycletrace/profiler"

import "github.com/cycletrace/cycletrace/libct"

// EntryFrame is the hook's view of the instrumented caller's stack, as
// assembled by the platform entry thunk from the registers and stack
// slots it saved. It lives for the duration of one instrumented call.
type EntryFrame struct {
	// ReturnAddress is the caller's return address. The entry hook
	// overwrites it exactly once, diverting the callee's epilogue into
	// the exit hook.
	ReturnAddress libct.Address

	// FramePointer is the stack position of the return address slot,
	// snapshotted for orphan detection.
	FramePointer libct.Address

	// Args holds the callee's first argument slots. The module entry
	// hook reads the module handle and load reason from them.
	Args [2]uint64
}
