// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/cycletrace/cycletrace/session"

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cycletrace/cycletrace/wire"
)

// MemoryClient is an in-process Client that retains exchanged
// segments. It backs tests and in-process consumers that want the
// trace stream without a collector.
type MemoryClient struct {
	// FailCreate makes CreateSession fail, leaving the client
	// disabled.
	FailCreate bool
	// FailExchange makes the next Exchange fail, leaving the client
	// disabled.
	FailExchange bool

	mu       sync.Mutex
	headers  []wire.Header
	payloads [][]byte
	nextSeq  uint64
	capacity int
	disabled atomic.Bool
}

// Compile-time interface check
var _ Client = (*MemoryClient)(nil)

// NewMemoryClient returns a MemoryClient handing out segments of the
// given payload capacity.
func NewMemoryClient(capacity int) *MemoryClient {
	return &MemoryClient{capacity: capacity}
}

func (c *MemoryClient) CreateSession() error {
	if c.FailCreate {
		c.disabled.Store(true)
		return errors.New("session creation failed")
	}
	return nil
}

func (c *MemoryClient) AllocateSegment(threadID uint32) *wire.Segment {
	if c.disabled.Load() {
		return wire.NewSegment(0, threadID)
	}
	return wire.NewSegment(c.capacity, threadID)
}

func (c *MemoryClient) Exchange(seg *wire.Segment) error {
	if c.disabled.Load() {
		return ErrDisabled
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailExchange {
		c.disabled.Store(true)
		return errors.New("exchange failed")
	}

	seg.SetSequence(c.nextSeq)
	c.nextSeq++

	c.headers = append(c.headers, seg.Header())
	c.payloads = append(c.payloads, append([]byte(nil), seg.Bytes()...))

	seg.Reset()
	return nil
}

func (c *MemoryClient) Disable() {
	c.disabled.Store(true)
}

func (c *MemoryClient) Disabled() bool {
	return c.disabled.Load()
}

// Headers returns the headers of all exchanged segments in order.
func (c *MemoryClient) Headers() []wire.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Header(nil), c.headers...)
}

// Payloads returns copies of all exchanged segment payloads in order.
func (c *MemoryClient) Payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}
