// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"

	"github.com/Saeed76a/piecrust/abi"
)

// Bytecode is the raw WASM module bytes. Immutable once deployed.
type Bytecode []byte

// Objectcode is the engine-specific compiled form of a Bytecode, cached on
// disk alongside it.
type Objectcode []byte

// Metadata is the per-contract persistent blob. Its first byte is the
// init-state flag; the 32 bytes after it hold the contract owner.
type Metadata []byte

// NewMetadata builds a metadata blob for a freshly deployed contract. The
// init-state flag starts out Unknown and is resolved at first instance
// creation.
func NewMetadata(owner [abi.OwnerBytes]byte) Metadata {
	meta := make(Metadata, 1+abi.OwnerBytes)
	meta[0] = abi.InitStateUnknown
	copy(meta[1:], owner[:])
	return meta
}

// Validate checks the blob against the size bound.
func (m Metadata) Validate() error {
	if len(m) > abi.MaxMetaSize {
		return fmt.Errorf("metadata blob has %d bytes, max is %d", len(m), abi.MaxMetaSize)
	}
	return nil
}

// ModuleDataEntry is one contract's working-set data inside a module
// session: everything needed to run it and to persist it at commit time.
type ModuleDataEntry struct {
	Bytecode   Bytecode
	Objectcode Objectcode
	Metadata   Metadata
	Memory     *Memory
}
