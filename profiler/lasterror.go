// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "github.com/cycletrace/cycletrace/profiler"

// The hooks run on threads whose last platform error value (errno,
// or the host's equivalent) belongs to the instrumented program. The
// thunk shim that owns the platform ABI registers accessors here so
// every hook can snapshot the value on entry and restore it on exit.
// Without registered accessors preservation is a no-op.

var (
	lastErrorGet func() uintptr
	lastErrorSet func(uintptr)
)

// SetLastErrorAccessors registers the platform bridge for reading and
// writing the calling thread's last error value. Must be called before
// the first hook, typically by the thunk shim at load time.
func SetLastErrorAccessors(get func() uintptr, set func(uintptr)) {
	lastErrorGet = get
	lastErrorSet = set
}

// preserveLastError snapshots the thread's last error value and
// returns a func restoring it, so hook activity does not perturb the
// instrumented program's observable state.
func preserveLastError() func() {
	if lastErrorGet == nil || lastErrorSet == nil {
		return func() {}
	}
	saved := lastErrorGet()
	return func() { lastErrorSet(saved) }
}
