// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/cycletrace/cycletrace/wire"

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader iterates over the typed records of one segment payload.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over a flushed segment payload.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Next returns the next record's kind and payload. It returns io.EOF
// after the last record and a decode error on a malformed stream.
func (r *Reader) Next() (RecordKind, []byte, error) {
	if r.off == len(r.buf) {
		return 0, nil, io.EOF
	}
	if r.off+PrefixSize > len(r.buf) {
		return 0, nil, fmt.Errorf("truncated record prefix at offset %d", r.off)
	}
	kind := RecordKind(binary.LittleEndian.Uint16(r.buf[r.off:]))
	size := int(binary.LittleEndian.Uint32(r.buf[r.off+4:]))
	start := r.off + PrefixSize
	if size < 0 || start+size > len(r.buf) {
		return 0, nil, fmt.Errorf("record at offset %d overruns segment: size %d", r.off, size)
	}
	// Record payloads are multiples of the alignment; the next prefix
	// follows immediately.
	r.off = start + size
	return kind, r.buf[start : start+size], nil
}
