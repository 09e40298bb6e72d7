// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package modinfo

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cycletrace/cycletrace/libct"
)

func TestFromFileOwnExecutable(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	info, err := FromFile(exe, 0x400000)
	require.NoError(t, err)

	assert.Equal(t, libct.Address(0x400000), info.Base)
	assert.NotZero(t, info.Size)
	assert.NotZero(t, info.Checksum)
	assert.NotZero(t, info.TimeDateStamp)
	assert.NotZero(t, info.FileIDHi)
	assert.Equal(t, exe, info.Path)

	// The file ID must be stable across reads.
	again, err := FromFile(exe, 0x400000)
	require.NoError(t, err)
	assert.Equal(t, info.FileIDHi, again.FileIDHi)
	assert.Equal(t, info.FileIDLo, again.FileIDLo)
}

func TestFromFileNotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-image")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	info, err := FromFile(path, 0x1000)
	require.Error(t, err)
	assert.Equal(t, Info{Base: 0x1000}, info)
}

func TestResolveMissingMapping(t *testing.T) {
	// No mapping can contain the zero page.
	info, err := Resolve(0)
	require.Error(t, err)
	assert.Equal(t, Info{}, info)
}

func TestResolveOwnMapping(t *testing.T) {
	base := ownImageBase(t)

	info, err := Resolve(base)
	require.NoError(t, err)
	assert.Equal(t, base, info.Base)
	assert.NotZero(t, info.Size)
	assert.NotEmpty(t, info.Path)

	// Second resolve is served from the cache.
	cached, err := Resolve(base)
	require.NoError(t, err)
	assert.Equal(t, info, cached)
}

// ownImageBase finds the base of the test binary's own mapping.
func ownImageBase(t *testing.T) libct.Address {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile("/proc/self/maps")
	require.NoError(t, err)

	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[5] != exe {
			continue
		}
		start, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		require.NoError(t, err)
		return libct.Address(start)
	}
	t.Fatalf("no mapping found for %s", exe)
	return 0
}
