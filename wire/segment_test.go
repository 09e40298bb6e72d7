// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cycletrace/cycletrace/libct"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		SegmentLength:  4096,
		ThreadID:       1234,
		SequenceNumber: 99,
	}
	b := h.Encode()

	decoded, err := DecodeHeader(b[:])
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	_, err = DecodeHeader(b[:HeaderSize-1])
	require.Error(t, err)
}

func TestPlaceRecord(t *testing.T) {
	seg := NewSegment(PrefixSize+2*InvocationRecordSize, 7)

	assert.True(t, seg.CanAllocate(InvocationRecordSize))
	p := seg.PlaceRecord(KindInvocationBatch, InvocationRecordSize)
	require.NotNil(t, p)
	assert.Len(t, p, InvocationRecordSize)
	assert.Equal(t, PrefixSize+InvocationRecordSize, seg.Len())
	assert.Equal(t, uint32(seg.Len()), seg.Header().SegmentLength)

	// A second prefixed record no longer fits, but a raw extension does.
	assert.False(t, seg.CanAllocate(InvocationRecordSize))
	assert.True(t, seg.CanAllocateRaw(InvocationRecordSize))
	assert.Nil(t, seg.PlaceRecord(KindInvocationBatch, InvocationRecordSize))

	p = seg.ExtendOpenRecord(InvocationRecordSize)
	require.NotNil(t, p)
	assert.Equal(t, seg.Capacity(), seg.Len())
	assert.False(t, seg.CanAllocateRaw(InvocationRecordSize))
	assert.Nil(t, seg.ExtendOpenRecord(InvocationRecordSize))

	// The batch prefix must now cover both records.
	r := NewReader(seg.Bytes())
	kind, payload, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindInvocationBatch, kind)
	assert.Len(t, payload, 2*InvocationRecordSize)
	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSegmentReset(t *testing.T) {
	seg := NewSegment(1024, 7)
	seg.SetSequence(41)
	require.NotNil(t, seg.PlaceRecord(KindInvocationBatch, InvocationRecordSize))

	seg.Reset()
	seg.SetSequence(42)
	assert.Equal(t, 0, seg.Len())
	assert.Equal(t, Header{ThreadID: 7, SequenceNumber: 42}, seg.Header())
	assert.Panics(t, func() { seg.ExtendOpenRecord(8) })
}

func TestSlotObserve(t *testing.T) {
	seg := NewSegment(1024, 7)
	slot := Slot(seg.PlaceRecord(KindInvocationBatch, InvocationRecordSize))
	slot.Init(0x1000, 0x2000, 20)
	slot.Observe(10)
	slot.Observe(15)

	records, err := DecodeInvocationBatch(seg.Bytes()[PrefixSize:])
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, InvocationRecord{
		Caller:    0x1000,
		Callee:    0x2000,
		NumCalls:  3,
		CyclesSum: 45,
		CyclesMin: 10,
		CyclesMax: 20,
	}, records[0])
	assert.Equal(t, uint64(3), slot.NumCalls())
}

func TestModuleRecordRoundTrip(t *testing.T) {
	tests := map[string]ModuleRecord{
		"regular": {
			BaseAddress:   0x7f0000000000,
			ImageSize:     0x200000,
			Checksum:      0xdeadbeefcafef00d,
			TimeDateStamp: 1700000000,
			FileIDHi:      1,
			FileIDLo:      2,
			Reason:        ReasonProcessAttach,
			ImageName:     "/usr/lib/libexample.so.1",
		},
		"zeroed metadata": {
			BaseAddress: 0x400000,
			Reason:      ReasonThreadAttach,
		},
	}

	for name, rec := range tests {
		t.Run(name, func(t *testing.T) {
			var buf [ModuleRecordSize]byte
			rec.EncodeTo(buf[:])

			decoded, err := DecodeModuleRecord(buf[:])
			require.NoError(t, err)
			assert.Equal(t, rec, decoded)
		})
	}
}

func TestModuleRecordNameTruncation(t *testing.T) {
	longName := make([]byte, 2*moduleNameSize)
	for i := range longName {
		longName[i] = 'a'
	}
	rec := ModuleRecord{ImageName: string(longName)}

	var buf [ModuleRecordSize]byte
	rec.EncodeTo(buf[:])

	decoded, err := DecodeModuleRecord(buf[:])
	require.NoError(t, err)
	assert.Len(t, decoded.ImageName, moduleNameSize)
}

func TestReaderMalformed(t *testing.T) {
	// A prefix that claims more payload than the segment holds.
	seg := NewSegment(1024, 7)
	require.NotNil(t, seg.PlaceRecord(KindInvocationBatch, InvocationRecordSize))
	payload := seg.Bytes()[:PrefixSize+8]

	r := NewReader(payload)
	_, _, err := r.Next()
	require.Error(t, err)

	r = NewReader(payload[:4])
	_, _, err = r.Next()
	require.Error(t, err)
}

func TestMixedStream(t *testing.T) {
	seg := NewSegment(4096, 3)

	mod := ModuleRecord{BaseAddress: 0x400000, ImageSize: 0x1000, Reason: ReasonProcessAttach}
	p := seg.PlaceRecord(KindModuleAttached, ModuleRecordSize)
	require.NotNil(t, p)
	mod.EncodeTo(p)

	slot := Slot(seg.PlaceRecord(KindInvocationBatch, InvocationRecordSize))
	require.NotNil(t, slot)
	slot.Init(libct.Address(0x401000), libct.Address(0x402000), 77)

	var kinds []RecordKind
	r := NewReader(seg.Bytes())
	for {
		kind, payload, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, kind)
		switch kind {
		case KindModuleAttached:
			decoded, err := DecodeModuleRecord(payload)
			require.NoError(t, err)
			assert.Equal(t, mod, decoded)
		case KindInvocationBatch:
			records, err := DecodeInvocationBatch(payload)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, uint64(77), records[0].CyclesSum)
		}
	}
	assert.Equal(t, []RecordKind{KindModuleAttached, KindInvocationBatch}, kinds)
}
