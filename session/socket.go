// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/cycletrace/cycletrace/session"

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cycletrace/cycletrace/wire"
)

const dialTimeout = 3 * time.Second

// SocketClient exchanges segments with the collector over a unix
// domain socket. All threads of the process share one connection;
// exchanges are serialized with a mutex, which is permitted since the
// exchange happens outside the cycle-measured path.
type SocketClient struct {
	mu       sync.Mutex
	conn     net.Conn
	nextSeq  uint64
	endpoint string
	id       uuid.UUID
	capacity uint32
	disabled atomic.Bool
}

// Compile-time interface check
var _ Client = (*SocketClient)(nil)

// NewSocketClient returns a client for the given collector socket. An
// empty endpoint falls back to the CYCLETRACE_ENDPOINT environment
// variable.
func NewSocketClient(endpoint string) *SocketClient {
	if endpoint == "" {
		endpoint = os.Getenv(EndpointEnv)
	}
	return &SocketClient{
		endpoint: endpoint,
		id:       uuid.New(),
		capacity: DefaultSegmentCapacity,
	}
}

// ID returns the session identifier sent in the handshake.
func (c *SocketClient) ID() uuid.UUID { return c.id }

func (c *SocketClient) CreateSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled.Load() {
		return ErrDisabled
	}
	if err := c.createSessionLocked(); err != nil {
		c.disableLocked()
		return err
	}
	return nil
}

func (c *SocketClient) createSessionLocked() error {
	if c.endpoint == "" {
		return fmt.Errorf("no collector endpoint: %s is unset", EndpointEnv)
	}

	conn, err := net.DialTimeout("unix", c.endpoint, dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to reach collector at %s: %w", c.endpoint, err)
	}

	hello := Hello{
		ID:       c.id,
		PID:      uint32(os.Getpid()),
		Capacity: c.capacity,
	}
	helloBuf := hello.Encode()
	if _, err = conn.Write(helloBuf[:]); err != nil {
		conn.Close()
		return fmt.Errorf("handshake write: %w", err)
	}

	var acceptBuf [AcceptSize]byte
	if _, err = io.ReadFull(conn, acceptBuf[:]); err != nil {
		conn.Close()
		return fmt.Errorf("handshake read: %w", err)
	}
	accept, err := DecodeAccept(acceptBuf[:])
	if err != nil {
		conn.Close()
		return err
	}
	if accept.Status != StatusOK {
		conn.Close()
		return fmt.Errorf("collector refused session: status %d", accept.Status)
	}
	if accept.Capacity != 0 {
		c.capacity = accept.Capacity
	}

	c.conn = conn
	log.Infof("trace session %s established with %s (segment capacity %d)",
		c.id, c.endpoint, c.capacity)
	return nil
}

func (c *SocketClient) AllocateSegment(threadID uint32) *wire.Segment {
	if c.disabled.Load() {
		return wire.NewSegment(0, threadID)
	}
	return wire.NewSegment(int(c.capacity), threadID)
}

func (c *SocketClient) Exchange(seg *wire.Segment) error {
	if c.disabled.Load() {
		return ErrDisabled
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.disableLocked()
		return ErrDisabled
	}
	if err := c.exchangeLocked(seg); err != nil {
		log.Errorf("segment exchange failed, disabling session: %v", err)
		c.disableLocked()
		return err
	}
	return nil
}

func (c *SocketClient) exchangeLocked(seg *wire.Segment) error {
	seg.SetSequence(c.nextSeq)
	c.nextSeq++

	hdr := seg.Header()
	header := hdr.Encode()
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("header write: %w", err)
	}
	if _, err := c.conn.Write(seg.Bytes()); err != nil {
		return fmt.Errorf("payload write: %w", err)
	}

	var ackBuf [AckSize]byte
	if _, err := io.ReadFull(c.conn, ackBuf[:]); err != nil {
		return fmt.Errorf("ack read: %w", err)
	}
	ack, err := DecodeAck(ackBuf[:])
	if err != nil {
		return err
	}
	if ack.Status != StatusOK {
		return fmt.Errorf("collector rejected segment: status %d", ack.Status)
	}

	seg.Reset()
	return nil
}

func (c *SocketClient) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocked()
}

func (c *SocketClient) disableLocked() {
	if c.disabled.Swap(true) {
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *SocketClient) Disabled() bool {
	return c.disabled.Load()
}
