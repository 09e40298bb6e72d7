// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package cycles

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUMonotonic(t *testing.T) {
	// The nondecreasing guarantee only holds per core; stay on one
	// thread for the duration of the loop.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	src := CPU{}

	prev := src.Cycles()
	for range 10000 {
		now := src.Cycles()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestSequence(t *testing.T) {
	seq := Sequence{Values: []uint64{100, 200, 300}}

	assert.Equal(t, uint64(100), seq.Cycles())
	assert.Equal(t, uint64(200), seq.Cycles())
	assert.Equal(t, uint64(300), seq.Cycles())
	// Exhausted sequences repeat the last value.
	assert.Equal(t, uint64(300), seq.Cycles())

	empty := Sequence{}
	assert.Equal(t, uint64(0), empty.Cycles())
}
