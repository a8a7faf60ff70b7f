// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Saeed76a/piecrust/abi"
)

func TestDiffRoundTrip(t *testing.T) {
	require := require.New(t)

	base := make([]byte, abi.MemoryBytes)
	for i := range base {
		base[i] = byte(i)
	}

	modified := append([]byte(nil), base...)
	modified[0] = 0xff
	modified[abi.WasmPageSize*3+17] = 0xaa
	modified[abi.MemoryBytes-1] = 0x01

	var buf bytes.Buffer
	require.NoError(writeDiff(base, modified, &buf))

	patched := append([]byte(nil), base...)
	require.NoError(applyDiff(patched, buf.Bytes()))
	require.Equal(modified, patched)
}

func TestDiffOfIdenticalImagesIsEmpty(t *testing.T) {
	require := require.New(t)

	base := make([]byte, abi.MemoryBytes)

	var buf bytes.Buffer
	require.NoError(writeDiff(base, base, &buf))

	patched := append([]byte(nil), base...)
	require.NoError(applyDiff(patched, buf.Bytes()))
	require.Equal(base, patched)
}

func TestDiffRejectsWrongSize(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, writeDiff([]byte{1, 2, 3}, make([]byte, abi.MemoryBytes), &buf))
}
