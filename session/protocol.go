// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/cycletrace/cycletrace/session"

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// The exchange protocol is deliberately small: a fixed hello/accept
// handshake, then a stream of (segment header, payload) frames, each
// acknowledged with a fixed-size ack. Integers are little endian.

const (
	// HelloSize is the wire size of the session hello.
	HelloSize = 32
	// AcceptSize is the wire size of the accept reply.
	AcceptSize = 8
	// AckSize is the wire size of a segment acknowledgement.
	AckSize = 8

	helloMagic      = 0x43545031 // "CTP1"
	protocolVersion = 1
)

// Reply status codes.
const (
	StatusOK      uint32 = 0
	StatusRefused uint32 = 1
)

// Hello opens a session. The client proposes a segment capacity; the
// collector may clamp it in the accept reply.
type Hello struct {
	ID       uuid.UUID
	PID      uint32
	Capacity uint32
}

// Encode serializes the hello into its wire layout.
func (h *Hello) Encode() [HelloSize]byte {
	var b [HelloSize]byte
	binary.LittleEndian.PutUint32(b[0:], helloMagic)
	binary.LittleEndian.PutUint16(b[4:], protocolVersion)
	copy(b[8:24], h.ID[:])
	binary.LittleEndian.PutUint32(b[24:], h.PID)
	binary.LittleEndian.PutUint32(b[28:], h.Capacity)
	return b
}

// DecodeHello parses and validates a session hello.
func DecodeHello(b []byte) (Hello, error) {
	if len(b) < HelloSize {
		return Hello{}, fmt.Errorf("truncated hello: %d bytes", len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != helloMagic {
		return Hello{}, fmt.Errorf("bad hello magic %#x", magic)
	}
	if version := binary.LittleEndian.Uint16(b[4:]); version != protocolVersion {
		return Hello{}, fmt.Errorf("unsupported protocol version %d", version)
	}
	id, err := uuid.FromBytes(b[8:24])
	if err != nil {
		return Hello{}, err
	}
	return Hello{
		ID:       id,
		PID:      binary.LittleEndian.Uint32(b[24:]),
		Capacity: binary.LittleEndian.Uint32(b[28:]),
	}, nil
}

// Accept is the collector's reply to a hello. Capacity is the granted
// segment payload capacity.
type Accept struct {
	Status   uint32
	Capacity uint32
}

// Encode serializes the accept reply.
func (a *Accept) Encode() [AcceptSize]byte {
	var b [AcceptSize]byte
	binary.LittleEndian.PutUint32(b[0:], a.Status)
	binary.LittleEndian.PutUint32(b[4:], a.Capacity)
	return b
}

// DecodeAccept parses an accept reply.
func DecodeAccept(b []byte) (Accept, error) {
	if len(b) < AcceptSize {
		return Accept{}, fmt.Errorf("truncated accept: %d bytes", len(b))
	}
	return Accept{
		Status:   binary.LittleEndian.Uint32(b[0:]),
		Capacity: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// Ack acknowledges one exchanged segment.
type Ack struct {
	Status uint32
}

// Encode serializes the ack.
func (a *Ack) Encode() [AckSize]byte {
	var b [AckSize]byte
	binary.LittleEndian.PutUint32(b[0:], a.Status)
	return b
}

// DecodeAck parses an ack.
func DecodeAck(b []byte) (Ack, error) {
	if len(b) < AckSize {
		return Ack{}, fmt.Errorf("truncated ack: %d bytes", len(b))
	}
	return Ack{Status: binary.LittleEndian.Uint32(b[0:])}, nil
}
