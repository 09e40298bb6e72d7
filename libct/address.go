// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package libct // import "github.com/cycletrace/cycletrace/libct"

import "github.com/cycletrace/cycletrace/libct/hash"

// Address represents a code or data address within the instrumented
// process. Caller return addresses, callee entry addresses and module
// base addresses are all Addresses.
type Address uint64

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	return hash.Uint64(uint64(adr))
}
