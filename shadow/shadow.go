// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package shadow maintains the per-thread shadow stack mirroring the
// instrumented thread's real call stack.
//
// The stack tolerates non-local exits (exceptions, longjmp) that
// unwind past the exit hook: the native stack grows toward lower
// addresses, so any shadow frame whose recorded stack position is
// below the current stack position belongs to a call that already
// exited. Such orphans are trimmed before every push and before every
// matched pop.
package shadow // import "github.com/cycletrace/cycletrace/shadow"

import (
	log "github.com/sirupsen/logrus"

	"github.com/cycletrace/cycletrace/libct"
)

// Frame mirrors one real call frame.
type Frame struct {
	// Caller is the return address the callee was invoked from, used
	// for invocation attribution.
	Caller libct.Address
	// Callee is the instrumented function's entry address.
	Callee libct.Address
	// EntryCycles is the overhead-adjusted cycle count at entry.
	EntryCycles uint64
	// RealReturn is the return address the entry hook displaced; the
	// exit hook returns control to it.
	RealReturn libct.Address
	// Snapshot is the stack position of the frame at entry, used for
	// orphan detection.
	Snapshot libct.Address
}

// Stack is a per-thread shadow stack. It is used from exactly one
// thread and needs no synchronization.
type Stack struct {
	frames []Frame
}

// Depth returns the number of live frames.
func (s *Stack) Depth() int { return len(s.frames) }

// Top returns the innermost frame, or nil on an empty stack.
func (s *Stack) Top() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return &s.frames[len(s.frames)-1]
}

// Push appends a frame for a call that just entered.
func (s *Stack) Push(f Frame) {
	s.frames = append(s.frames, f)
}

// Pop removes and returns the innermost frame. Popping an empty stack
// means the exit hook fired without a matching entry; the real return
// address is unrecoverable and the process cannot continue.
func (s *Stack) Pop() Frame {
	if len(s.frames) == 0 {
		log.Panicf("shadow stack underflow: exit hook without matching entry")
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// TrimOnEntry discards frames orphaned by a non-local exit before a
// push. currentFrame is the entering call's stack position; any frame
// recorded below it exited without reaching the exit hook. Returns the
// number of frames discarded.
func (s *Stack) TrimOnEntry(currentFrame libct.Address) int {
	return s.trim(currentFrame)
}

// TrimOnExit discards orphaned frames before the matched pop.
// currentStack is the stack position observed by the exit hook.
func (s *Stack) TrimOnExit(currentStack libct.Address) int {
	return s.trim(currentStack)
}

func (s *Stack) trim(current libct.Address) int {
	trimmed := 0
	for len(s.frames) > 0 && s.frames[len(s.frames)-1].Snapshot < current {
		s.frames = s.frames[:len(s.frames)-1]
		trimmed++
	}
	if trimmed > 0 {
		log.Debugf("trimmed %d orphaned shadow frames", trimmed)
	}
	return trimmed
}
