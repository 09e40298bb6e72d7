// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package session connects the profiler to the collector: it hands
// out empty trace segments and consumes full ones.
//
// Any session failure is terminal. The client transitions to a sticky
// disabled state and all further hook activity short-circuits; the
// instrumented program keeps running, only statistics go missing.
package session // import "github.com/cycletrace/cycletrace/session"

import (
	"errors"

	"github.com/cycletrace/cycletrace/wire"
)

// EndpointEnv names the environment variable carrying the collector
// socket path.
const EndpointEnv = "CYCLETRACE_ENDPOINT"

// DefaultSegmentCapacity is the segment payload capacity proposed to
// the collector when none is configured.
const DefaultSegmentCapacity = 1 << 20

// ErrDisabled is returned by operations on a disabled session.
var ErrDisabled = errors.New("trace session is disabled")

// Client obtains empty segments from, and returns filled segments to,
// the collector.
type Client interface {
	// CreateSession establishes the trace session. On failure the
	// client transitions to the sticky disabled state and the error
	// is returned.
	CreateSession() error

	// AllocateSegment returns an empty segment for one thread. On a
	// disabled session the segment has zero capacity, so every
	// allocation against it fails cheaply.
	AllocateSegment(threadID uint32) *wire.Segment

	// Exchange submits the segment's records to the collector and
	// resets it empty with a fresh sequence number. Any failure
	// transitions the client to the sticky disabled state.
	Exchange(seg *wire.Segment) error

	// Disable puts the client into the sticky disabled state.
	Disable()

	// Disabled reports whether the session is disabled. Once true it
	// stays true.
	Disabled() bool
}
