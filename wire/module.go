// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/cycletrace/cycletrace/wire"

import (
	"encoding/binary"
	"fmt"

	"github.com/cycletrace/cycletrace/libct"
)

// ModuleRecordSize is the wire size of a module record payload.
const ModuleRecordSize = 304

// moduleNameSize is the fixed space reserved for the image name.
// Longer names are truncated.
const moduleNameSize = 248

// Field offsets within a module record payload.
const (
	modOffBase     = 0
	modOffSize     = 8
	modOffChecksum = 16
	modOffStamp    = 24
	modOffFileIDHi = 32
	modOffFileIDLo = 40
	modOffReason   = 48
	modOffNameLen  = 52
	modOffName     = 56
)

// ModuleRecord describes one loaded module. It is emitted at most once
// per (thread, module), before any invocation record referencing code
// inside the module.
type ModuleRecord struct {
	BaseAddress   libct.Address
	ImageSize     uint64
	Checksum      uint64
	TimeDateStamp uint64
	FileIDHi      uint64
	FileIDLo      uint64
	Reason        uint32
	ImageName     string
}

// EncodeTo serializes the record into a ModuleRecordSize payload
// region, truncating over-long image names.
func (m *ModuleRecord) EncodeTo(p []byte) {
	if len(p) < ModuleRecordSize {
		panic(fmt.Sprintf("module record target too small: %d", len(p)))
	}
	binary.LittleEndian.PutUint64(p[modOffBase:], uint64(m.BaseAddress))
	binary.LittleEndian.PutUint64(p[modOffSize:], m.ImageSize)
	binary.LittleEndian.PutUint64(p[modOffChecksum:], m.Checksum)
	binary.LittleEndian.PutUint64(p[modOffStamp:], m.TimeDateStamp)
	binary.LittleEndian.PutUint64(p[modOffFileIDHi:], m.FileIDHi)
	binary.LittleEndian.PutUint64(p[modOffFileIDLo:], m.FileIDLo)
	binary.LittleEndian.PutUint32(p[modOffReason:], m.Reason)

	name := m.ImageName
	if len(name) > moduleNameSize {
		name = name[:moduleNameSize]
	}
	binary.LittleEndian.PutUint32(p[modOffNameLen:], uint32(len(name)))
	n := copy(p[modOffName:modOffName+moduleNameSize], name)
	clear(p[modOffName+n : modOffName+moduleNameSize])
}

// DecodeModuleRecord parses a module record payload.
func DecodeModuleRecord(payload []byte) (ModuleRecord, error) {
	if len(payload) != ModuleRecordSize {
		return ModuleRecord{}, fmt.Errorf("invalid module record size %d", len(payload))
	}
	nameLen := binary.LittleEndian.Uint32(payload[modOffNameLen:])
	if nameLen > moduleNameSize {
		return ModuleRecord{}, fmt.Errorf("invalid module name length %d", nameLen)
	}
	return ModuleRecord{
		BaseAddress:   libct.Address(binary.LittleEndian.Uint64(payload[modOffBase:])),
		ImageSize:     binary.LittleEndian.Uint64(payload[modOffSize:]),
		Checksum:      binary.LittleEndian.Uint64(payload[modOffChecksum:]),
		TimeDateStamp: binary.LittleEndian.Uint64(payload[modOffStamp:]),
		FileIDHi:      binary.LittleEndian.Uint64(payload[modOffFileIDHi:]),
		FileIDLo:      binary.LittleEndian.Uint64(payload[modOffFileIDLo:]),
		Reason:        binary.LittleEndian.Uint32(payload[modOffReason:]),
		ImageName:     string(payload[modOffName : modOffName+nameLen]),
	}, nil
}
