// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

//go:build amd64

package cycles // import "github.com/cycletrace/cycletrace/cycles"

// readCycles returns the processor time-stamp counter. No serializing
// instruction is issued around RDTSC; the counter may be read out of
// order with neighbouring instructions, which is fine for the
// difference arithmetic the profiler does.
func readCycles() uint64
