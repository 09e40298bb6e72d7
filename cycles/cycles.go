// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package cycles provides the cycle counter the profiler timestamps
// invocations with.
package cycles // import "github.com/cycletrace/cycletrace/cycles"

// Source returns a monotonically nondecreasing 64-bit cycle count.
//
// Two successive reads on the same core satisfy later >= earlier.
// Cross-core monotonicity is not required: callers attribute all
// samples of one invocation to the thread that measured them and only
// ever compute differences.
type Source interface {
	Cycles() uint64
}

// Compile-time interface checks
var (
	_ Source = CPU{}
	_ Source = (*Sequence)(nil)
)

// CPU reads the hardware cycle counter. The read is not serializing,
// keeping the measured path free of barriers.
type CPU struct{}

func (CPU) Cycles() uint64 {
	return readCycles()
}

// Sequence is a scripted Source for tests. It hands out Values in
// order and keeps returning the last value once exhausted.
type Sequence struct {
	Values []uint64

	idx int
}

func (s *Sequence) Cycles() uint64 {
	if len(s.Values) == 0 {
		return 0
	}
	if s.idx >= len(s.Values) {
		return s.Values[len(s.Values)-1]
	}
	v := s.Values[s.idx]
	s.idx++
	return v
}
