// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/cycletrace/cycletrace/wire"

import (
	"encoding/binary"
	"fmt"

	"github.com/cycletrace/cycletrace/libct"
)

// InvocationRecordSize is the packed wire size of one invocation
// record inside a batch.
const InvocationRecordSize = 48

// Field offsets within a packed invocation record.
const (
	invOffCaller   = 0
	invOffCallee   = 8
	invOffNumCalls = 16
	invOffSum      = 24
	invOffMin      = 32
	invOffMax      = 40
)

// Slot is a writable view of one packed invocation record inside a
// segment. It aliases the segment buffer and stays valid until the
// segment is exchanged; the aggregation table keeps one Slot per
// (caller, callee) pair and must be dropped when the segment is.
type Slot []byte

// Init fills a fresh slot from its first observation.
func (s Slot) Init(caller, callee libct.Address, duration uint64) {
	binary.LittleEndian.PutUint64(s[invOffCaller:], uint64(caller))
	binary.LittleEndian.PutUint64(s[invOffCallee:], uint64(callee))
	binary.LittleEndian.PutUint64(s[invOffNumCalls:], 1)
	binary.LittleEndian.PutUint64(s[invOffSum:], duration)
	binary.LittleEndian.PutUint64(s[invOffMin:], duration)
	binary.LittleEndian.PutUint64(s[invOffMax:], duration)
}

// Observe tallies one more invocation into the slot.
func (s Slot) Observe(duration uint64) {
	binary.LittleEndian.PutUint64(s[invOffNumCalls:],
		binary.LittleEndian.Uint64(s[invOffNumCalls:])+1)
	binary.LittleEndian.PutUint64(s[invOffSum:],
		binary.LittleEndian.Uint64(s[invOffSum:])+duration)
	if duration < binary.LittleEndian.Uint64(s[invOffMin:]) {
		binary.LittleEndian.PutUint64(s[invOffMin:], duration)
	} else if duration > binary.LittleEndian.Uint64(s[invOffMax:]) {
		binary.LittleEndian.PutUint64(s[invOffMax:], duration)
	}
}

// NumCalls returns the tally so far.
func (s Slot) NumCalls() uint64 {
	return binary.LittleEndian.Uint64(s[invOffNumCalls:])
}

// InvocationRecord is the decoded form of one packed record, used on
// the reading side.
type InvocationRecord struct {
	Caller    libct.Address
	Callee    libct.Address
	NumCalls  uint64
	CyclesSum uint64
	CyclesMin uint64
	CyclesMax uint64
}

// DecodeInvocationBatch parses an invocation_batch payload into its
// packed records.
func DecodeInvocationBatch(payload []byte) ([]InvocationRecord, error) {
	if len(payload) == 0 || len(payload)%InvocationRecordSize != 0 {
		return nil, fmt.Errorf("invalid invocation batch size %d", len(payload))
	}
	records := make([]InvocationRecord, 0, len(payload)/InvocationRecordSize)
	for off := 0; off < len(payload); off += InvocationRecordSize {
		r := payload[off:]
		records = append(records, InvocationRecord{
			Caller:    libct.Address(binary.LittleEndian.Uint64(r[invOffCaller:])),
			Callee:    libct.Address(binary.LittleEndian.Uint64(r[invOffCallee:])),
			NumCalls:  binary.LittleEndian.Uint64(r[invOffNumCalls:]),
			CyclesSum: binary.LittleEndian.Uint64(r[invOffSum:]),
			CyclesMin: binary.LittleEndian.Uint64(r[invOffMin:]),
			CyclesMax: binary.LittleEndian.Uint64(r[invOffMax:]),
		})
	}
	return records, nil
}
