// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides the hash primitives used for cache keys.
package hash // import "github.com/cycletrace/cycletrace/libct/hash"

// Uint64 computes a hash of a 64-bit uint using the finalizer function for Murmur3
// Via https://lemire.me/blog/2018/08/15/fast-strongly-universal-64-bit-hashing-everywhere/
func Uint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
