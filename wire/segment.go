// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/cycletrace/cycletrace/wire"

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Header describes one flushed segment to the collector.
type Header struct {
	// SegmentLength is the number of payload bytes following the
	// header on the wire.
	SegmentLength uint32
	// ThreadID identifies the producing thread.
	ThreadID uint32
	// SequenceNumber orders segments within one session.
	SequenceNumber uint64
	// Reserved must be zero.
	Reserved uint64
}

// Encode serializes the header into its wire layout.
func (h *Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:], h.SegmentLength)
	binary.LittleEndian.PutUint32(b[4:], h.ThreadID)
	binary.LittleEndian.PutUint64(b[8:], h.SequenceNumber)
	binary.LittleEndian.PutUint64(b[16:], h.Reserved)
	return b
}

// DecodeHeader parses a segment header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("truncated segment header: %d bytes", len(b))
	}
	return Header{
		SegmentLength:  binary.LittleEndian.Uint32(b[0:]),
		ThreadID:       binary.LittleEndian.Uint32(b[4:]),
		SequenceNumber: binary.LittleEndian.Uint64(b[8:]),
		Reserved:       binary.LittleEndian.Uint64(b[16:]),
	}, nil
}

// Segment is a fixed-capacity trace buffer filled by one thread and
// exchanged as a unit with the collector. The buffer is allocated once
// and never reallocated, so byte slices handed out by PlaceRecord and
// ExtendOpenRecord stay valid until Reset.
type Segment struct {
	buf []byte
	off int

	// lastPrefix is the offset of the most recently placed record's
	// prefix, or -1 when the segment holds no extendable record.
	lastPrefix int

	threadID uint32
	sequence uint64
}

// NewSegment returns an empty segment with the given payload capacity.
func NewSegment(capacity int, threadID uint32) *Segment {
	return &Segment{
		buf:        make([]byte, capacity),
		lastPrefix: -1,
		threadID:   threadID,
	}
}

// Capacity returns the payload capacity in bytes.
func (s *Segment) Capacity() int { return len(s.buf) }

// Len returns the number of payload bytes written so far.
func (s *Segment) Len() int { return s.off }

// ThreadID returns the owning thread's identifier.
func (s *Segment) ThreadID() uint32 { return s.threadID }

// Bytes returns the written payload. The slice aliases the segment
// buffer and is invalidated by Reset.
func (s *Segment) Bytes() []byte { return s.buf[:s.off] }

// Header returns the header describing the segment's current contents.
func (s *Segment) Header() Header {
	return Header{
		SegmentLength:  uint32(s.off),
		ThreadID:       s.threadID,
		SequenceNumber: s.sequence,
	}
}

// SetSequence stamps the sequence number reported in the header.
func (s *Segment) SetSequence(seq uint64) { s.sequence = seq }

// Reset empties the segment for reuse after an exchange.
func (s *Segment) Reset() {
	s.off = 0
	s.lastPrefix = -1
}

// CanAllocate reports whether a record with the given payload size,
// plus its prefix, still fits.
func (s *Segment) CanAllocate(payload int) bool {
	return s.off+PrefixSize+payload <= len(s.buf)
}

// CanAllocateRaw reports whether n raw bytes still fit. Used when
// appending inside an already-open variable-length record, where no
// prefix overhead applies.
func (s *Segment) CanAllocateRaw(n int) bool {
	return s.off+n <= len(s.buf)
}

// PlaceRecord writes a (kind, size) prefix and reserves payload bytes
// for a new record, returning the payload region. Returns nil when the
// record does not fit.
func (s *Segment) PlaceRecord(kind RecordKind, payload int) []byte {
	if payload%recordAlignment != 0 {
		log.Panicf("misaligned record payload size %d", payload)
	}
	if !s.CanAllocate(payload) {
		return nil
	}
	binary.LittleEndian.PutUint16(s.buf[s.off:], uint16(kind))
	binary.LittleEndian.PutUint16(s.buf[s.off+2:], 0)
	binary.LittleEndian.PutUint32(s.buf[s.off+4:], uint32(payload))
	s.lastPrefix = s.off
	s.off += PrefixSize

	p := s.buf[s.off : s.off+payload]
	s.off += payload
	return p
}

// ExtendOpenRecord grows the most recently placed record in place by n
// bytes, patching its size prefix, and returns the new tail bytes.
// Returns nil when the bytes do not fit. Only valid while the record
// to extend is the last one in the segment.
func (s *Segment) ExtendOpenRecord(n int) []byte {
	if s.lastPrefix < 0 {
		log.Panicf("extend with no open record")
	}
	if n%recordAlignment != 0 {
		log.Panicf("misaligned record extension %d", n)
	}
	if !s.CanAllocateRaw(n) {
		return nil
	}
	sizeField := s.buf[s.lastPrefix+4:]
	binary.LittleEndian.PutUint32(sizeField, binary.LittleEndian.Uint32(sizeField)+uint32(n))

	p := s.buf[s.off : s.off+n]
	s.off += n
	return p
}
