// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/Saeed76a/piecrust/abi"
)

// Memory diffs are stored page-wise: for every page that differs from the
// base image, a 4-byte little-endian page index followed by the full page.
// The whole stream is deflate-compressed.

// writeDiff computes the diff of curr against base and writes it compressed
// to w. Both images must be full linear memories.
func writeDiff(base, curr []byte, w io.Writer) error {
	if len(base) != abi.MemoryBytes || len(curr) != abi.MemoryBytes {
		return fmt.Errorf("diff inputs must be %d bytes", abi.MemoryBytes)
	}

	enc, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return err
	}

	var idx [4]byte
	for page := 0; page < abi.MemoryPages; page++ {
		off := page * abi.WasmPageSize
		basePage := base[off : off+abi.WasmPageSize]
		currPage := curr[off : off+abi.WasmPageSize]
		if bytes.Equal(basePage, currPage) {
			continue
		}

		binary.LittleEndian.PutUint32(idx[:], uint32(page))
		if _, err := enc.Write(idx[:]); err != nil {
			return err
		}
		if _, err := enc.Write(currPage); err != nil {
			return err
		}
	}

	return enc.Close()
}

// applyDiff decompresses diffData and patches the changed pages into data
// in place.
func applyDiff(data, diffData []byte) error {
	dec := flate.NewReader(bytes.NewReader(diffData))
	defer dec.Close()

	var idx [4]byte
	for {
		if _, err := io.ReadFull(dec, idx[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("corrupt memory diff: %w", err)
		}

		page := binary.LittleEndian.Uint32(idx[:])
		if page >= abi.MemoryPages {
			return fmt.Errorf("corrupt memory diff: page %d out of range", page)
		}

		off := int(page) * abi.WasmPageSize
		if _, err := io.ReadFull(dec, data[off:off+abi.WasmPageSize]); err != nil {
			return fmt.Errorf("corrupt memory diff: %w", err)
		}
	}
}
