// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package modinfo resolves the image metadata reported in module
// records: image size, checksum, file identity and timestamp.
//
// Metadata is read from the image file backing a mapped module.
// Results are kept in a process-wide LRU so that threads seeing the
// same module for the first time do not repeat the file I/O.
package modinfo // import "github.com/cycletrace/cycletrace/modinfo"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	lru "github.com/elastic/go-freelru"
	sha256 "github.com/minio/sha256-simd"
	"github.com/zeebo/xxh3"

	"github.com/cycletrace/cycletrace/libct"
)

const (
	cacheSize = 256
	// hashChunk is how much of the image head and tail goes into the
	// file ID, and how much of the head into the checksum.
	hashChunk = 4096
)

// Info holds the metadata of one loaded module image.
type Info struct {
	Base libct.Address
	// Size is the mapped image extent derived from the load segments.
	Size uint64
	// Checksum is an xxh3 digest of the image header page.
	Checksum uint64
	// TimeDateStamp is the image file's modification time in seconds
	// since the epoch.
	TimeDateStamp uint64
	// FileIDHi and FileIDLo identify the image contents: a sha256 over
	// the head and tail chunks plus the file length.
	FileIDHi uint64
	FileIDLo uint64
	Path     string
}

var cache = func() *lru.SyncedLRU[libct.Address, Info] {
	c, err := lru.NewSynced[libct.Address, Info](cacheSize, libct.Address.Hash32)
	if err != nil {
		panic(err)
	}
	return c
}()

// Resolve returns the metadata for the module mapped at base in this
// process. On failure the returned Info carries the base address with
// all other fields zeroed, alongside the error; callers still emit a
// record so the collector sees the module exists.
func Resolve(base libct.Address) (Info, error) {
	if info, ok := cache.Get(base); ok {
		return info, nil
	}

	path, err := mappingPath(base)
	if err != nil {
		return Info{Base: base}, err
	}
	info, err := FromFile(path, base)
	if err != nil {
		return Info{Base: base}, err
	}

	cache.Add(base, info)
	return info, nil
}

// FromFile reads the metadata of the image file at path, mapped at
// base.
func FromFile(path string, base libct.Address) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{Base: base}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{Base: base}, fmt.Errorf("failed to stat image: %w", err)
	}

	size, err := imageSize(f)
	if err != nil {
		return Info{Base: base}, err
	}

	head := make([]byte, hashChunk)
	n, err := f.ReadAt(head, 0)
	if n == 0 && err != nil {
		return Info{Base: base}, fmt.Errorf("failed to read image header: %w", err)
	}
	head = head[:n]

	hi, lo, err := fileID(f, st.Size())
	if err != nil {
		return Info{Base: base}, err
	}

	return Info{
		Base:          base,
		Size:          size,
		Checksum:      xxh3.Hash(head),
		TimeDateStamp: uint64(st.ModTime().Unix()),
		FileIDHi:      hi,
		FileIDLo:      lo,
		Path:          path,
	}, nil
}

// imageSize derives the mapped extent of the image from its load
// segments: the highest vaddr+memsz over all PT_LOAD entries.
func imageSize(f *os.File) (uint64, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, fmt.Errorf("failed to parse image: %w", err)
	}
	defer ef.Close()

	var end uint64
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if segEnd := prog.Vaddr + prog.Memsz; segEnd > end {
			end = segEnd
		}
	}
	return end, nil
}

// fileID hashes the head and tail chunks of the image plus its length
// into a 128 bit content identity.
func fileID(f *os.File, size int64) (hi, lo uint64, err error) {
	h := sha256.New()

	chunk := int64(hashChunk)
	if chunk > size {
		chunk = size
	}
	buf := make([]byte, chunk)

	if _, err = f.ReadAt(buf, 0); err != nil {
		return 0, 0, fmt.Errorf("failed to hash image head: %w", err)
	}
	h.Write(buf)

	if _, err = f.ReadAt(buf, size-chunk); err != nil {
		return 0, 0, fmt.Errorf("failed to hash image tail: %w", err)
	}
	h.Write(buf)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))
	h.Write(lenBuf[:])

	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16]), nil
}

// mappingPath finds the file backing the mapping that contains base by
// scanning /proc/self/maps.
func mappingPath(base libct.Address) (string, error) {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return "", fmt.Errorf("failed to read process mappings: %w", err)
	}

	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		if uint64(base) >= start && uint64(base) < end {
			return fields[5], nil
		}
	}
	return "", fmt.Errorf("no file-backed mapping contains %#x", uint64(base))
}
