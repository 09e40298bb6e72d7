// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the trace stream format exchanged between the
// profiler and the collector.
//
// A flushed segment travels as a 24 byte header followed by the
// segment payload. The payload is a sequence of typed records, each an
// 8 byte prefix {kind: u16, reserved: u16, size: u32} followed by size
// bytes of payload. All record payload sizes are multiples of 8, so
// every record starts 8-byte aligned. Integers are little endian.
package wire // import "github.com/cycletrace/cycletrace/wire"

// RecordKind tags the payload type of one trace record.
type RecordKind uint16

const (
	// KindModuleAttached describes a module loaded on process attach.
	KindModuleAttached RecordKind = 0x0010
	// KindThreadAttached describes a module loaded on thread attach.
	// Identical payload layout, different kind.
	KindThreadAttached RecordKind = 0x0011
	// KindInvocationBatch carries one or more packed invocation
	// records. Its size prefix grows in place as records are appended.
	KindInvocationBatch RecordKind = 0x0020
)

// Module load reason codes, as the loader hands them to the module
// entry hook.
const (
	ReasonProcessDetach uint32 = 0
	ReasonProcessAttach uint32 = 1
	ReasonThreadAttach  uint32 = 2
	ReasonThreadDetach  uint32 = 3
)

// ReasonKind maps an attach reason to the record kind describing it.
// Detach and unknown reasons have no record kind and return false.
func ReasonKind(reason uint32) (RecordKind, bool) {
	switch reason {
	case ReasonProcessAttach:
		return KindModuleAttached, true
	case ReasonThreadAttach:
		return KindThreadAttached, true
	default:
		return 0, false
	}
}

const (
	// PrefixSize is the wire size of a record prefix.
	PrefixSize = 8
	// HeaderSize is the wire size of a segment header.
	HeaderSize = 24
	// recordAlignment is the required alignment of records within a
	// segment. Payload sizes are multiples of this, so the bump
	// allocator never needs padding.
	recordAlignment = 8
)
