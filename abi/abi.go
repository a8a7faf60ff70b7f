// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package abi holds the contract-facing surface of the VM: contract
// identifiers, the fixed linear-memory geometry, and the in-band error
// encoding shared between host and contract.
package abi

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

const (
	// ContractIDBytes is the size of a contract identifier.
	ContractIDBytes = 32

	// WasmPageSize is the size of a single WebAssembly page.
	WasmPageSize = 64 * 1024

	// MemoryPages is the fixed number of pages of every contract's linear
	// memory. Memories never grow.
	MemoryPages = 18

	// MemoryBytes is the full size of a contract's linear memory.
	MemoryBytes = MemoryPages * WasmPageSize

	// ArgbufLen is the length of the argument buffer, the single channel
	// for structured host<->contract data.
	ArgbufLen = 64 * 1024

	// MetadataLen is the length of the metadata buffer inside linear
	// memory.
	MetadataLen = 64 * 1024

	// MaxMetaSize bounds the per-contract metadata blob stored on disk.
	MaxMetaSize = 64 * 1024

	// OwnerBytes is the size of a contract owner, stored in the metadata
	// blob directly after the init-state flag.
	OwnerBytes = 32
)

// Init-state values of the first metadata byte.
const (
	InitStateUnknown byte = iota
	InitStateRequired
	InitStateDone
)

// ContractID identifies a deployed contract. When not chosen by the
// deployer it is the blake3 hash of the contract's bytecode.
type ContractID [ContractIDBytes]byte

// NewContractID derives a contract id from bytecode.
func NewContractID(bytecode []byte) ContractID {
	return ContractID(blake3.Sum256(bytecode))
}

// ContractIDFromBytes copies b into a ContractID. It panics if b is not
// exactly ContractIDBytes long.
func ContractIDFromBytes(b []byte) ContractID {
	if len(b) != ContractIDBytes {
		panic("contract id must be 32 bytes")
	}
	var id ContractID
	copy(id[:], b)
	return id
}

// Hex returns the lowercase hex encoding of the id, as used for on-disk
// file names.
func (id ContractID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ContractID) String() string {
	return id.Hex()
}

// IsZero reports whether the id is all zeroes. The zero id doubles as the
// "no caller" sentinel written by the caller import at the top frame.
func (id ContractID) IsZero() bool {
	return id == ContractID{}
}
