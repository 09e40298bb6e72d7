// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64(t *testing.T) {
	// The finalizer must be a bijection: distinct inputs may not
	// collide, and zero must not map to zero (callers treat a zero
	// hash as "unset").
	seen := make(map[uint64]uint64)
	for i := uint64(0); i < 1000; i++ {
		h := Uint64(i)
		prev, collision := seen[h]
		assert.False(t, collision, "hash collision between %d and %d", prev, i)
		seen[h] = i
	}
	assert.NotEqual(t, uint64(0), Uint64(0))
}
