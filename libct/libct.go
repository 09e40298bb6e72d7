// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package libct provides the leaf value types shared across the
// cycletrace profiler.
package libct // import "github.com/cycletrace/cycletrace/libct"

// Void allows to use maps as sets without memory allocation for the values.
type Void struct{}

// Set is a convenience alias for a map with a `Void` value.
type Set[T comparable] map[T]Void

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}
