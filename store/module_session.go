// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"path/filepath"

	"github.com/Saeed76a/piecrust/abi"
)

// ModuleSession is a working set layered on a base commit. Deployments and
// touched memories accumulate here until Commit forwards them to the store
// thread.
type ModuleSession struct {
	rootDir string
	base    *Commit
	entries map[abi.ContractID]*ModuleDataEntry

	call      chan<- storeCall
	committed bool
	dropped   bool

	compile CompileFunc
}

// CompileFunc turns bytecode into engine objectcode. The store is agnostic
// to the engine; the VM injects its compiler here.
type CompileFunc func(bytecode []byte) (Objectcode, error)

func newModuleSession(rootDir string, base *Commit, call chan<- storeCall, compile CompileFunc) *ModuleSession {
	return &ModuleSession{
		rootDir: rootDir,
		base:    base,
		entries: make(map[abi.ContractID]*ModuleDataEntry),
		call:    call,
		compile: compile,
	}
}

// Base returns the root of the base commit, if any.
func (s *ModuleSession) Base() (Hash, bool) {
	if s.base == nil {
		return Hash{}, false
	}
	return s.base.tree.Root(), true
}

// Deploy registers bytecode under its blake3-derived id, reserving a fresh
// linear memory for it. Deploying the same bytecode twice in one session
// fails, as does shadowing a base module.
func (s *ModuleSession) Deploy(bytecode []byte, owner [abi.OwnerBytes]byte) (abi.ContractID, error) {
	id := abi.NewContractID(bytecode)
	return id, s.DeployWithID(id, bytecode, owner)
}

// DeployWithID is Deploy with a caller-chosen id.
func (s *ModuleSession) DeployWithID(id abi.ContractID, bytecode []byte, owner [abi.OwnerBytes]byte) error {
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, id)
	}
	if s.base != nil {
		if _, ok := s.base.modules[id]; ok {
			return fmt.Errorf("%w: %s", ErrModuleExists, id)
		}
	}

	objectcode, err := s.compile(bytecode)
	if err != nil {
		return err
	}

	metadata := NewMetadata(owner)
	if err := metadata.Validate(); err != nil {
		return err
	}

	s.entries[id] = &ModuleDataEntry{
		Bytecode:   append(Bytecode(nil), bytecode...),
		Objectcode: objectcode,
		Metadata:   metadata,
		Memory:     NewMemory(),
	}
	return nil
}

// Module resolves a contract to its working-set entry, materializing it
// from the base commit on first touch. Returns nil if neither the working
// set nor the base knows the id.
func (s *ModuleSession) Module(id abi.ContractID) (*ModuleDataEntry, error) {
	if entry, ok := s.entries[id]; ok {
		return entry, nil
	}
	if s.base == nil {
		return nil, nil
	}
	if _, ok := s.base.modules[id]; !ok {
		return nil, nil
	}

	baseDir := filepath.Join(s.rootDir, s.base.tree.Root().Hex())
	entry, err := readModuleData(baseDir, id, s.base.diffs[id])
	if err != nil {
		return nil, err
	}

	s.entries[id] = entry
	return entry, nil
}

// Root recomputes the tentative commit root from the base and the working
// set.
func (s *ModuleSession) Root() (Hash, error) {
	_, tree, err := computeTree(s.base, s.entries)
	if err != nil {
		return Hash{}, err
	}
	return tree.Root(), nil
}

// ClearModules discards the working set. Used by re-execution to start a
// replay from a clean slate.
func (s *ModuleSession) ClearModules() {
	s.entries = make(map[abi.ContractID]*ModuleDataEntry)
}

// Commit forwards a snapshot of the working set to the store thread, which
// writes a new commit directory. The session cannot be committed twice.
func (s *ModuleSession) Commit() (Hash, error) {
	if s.committed {
		return Hash{}, ErrAlreadyCommitted
	}

	entries := make(map[abi.ContractID]*ModuleDataEntry, len(s.entries))
	for id, entry := range s.entries {
		entries[id] = entry
	}

	replier := make(chan commitResult, 1)
	s.call <- callCommit{modules: entries, base: s.base, replier: replier}
	res := <-replier
	if res.err != nil {
		return Hash{}, res.err
	}

	s.committed = true
	return res.commit.tree.Root(), nil
}

// Close signals the store thread that this session no longer holds its
// base, releasing queued deletions and squashes. Idempotent.
func (s *ModuleSession) Close() {
	if s.dropped || s.base == nil {
		s.dropped = true
		return
	}
	s.dropped = true
	s.call <- callSessionDrop{base: s.base.tree.Root()}
}

// readModuleData loads one contract's artifacts out of a commit directory.
func readModuleData(commitDir string, id abi.ContractID, hasDiff bool) (*ModuleDataEntry, error) {
	idHex := id.Hex()

	bytecodePath := filepath.Join(commitDir, bytecodeDir, idHex)
	objectcodePath := bytecodePath + "." + objectcodeExt
	metadataPath := bytecodePath + "." + metadataExt
	memoryPath := filepath.Join(commitDir, memoryDir, idHex)

	bytecode, err := readFile(bytecodePath)
	if err != nil {
		return nil, err
	}
	objectcode, err := readFile(objectcodePath)
	if err != nil {
		return nil, err
	}
	metadata, err := readFile(metadataPath)
	if err != nil {
		return nil, err
	}

	var memory *Memory
	if hasDiff {
		memory, err = MemoryFromFileAndDiff(memoryPath, memoryPath+"."+diffExt)
	} else {
		memory, err = MemoryFromFile(memoryPath)
	}
	if err != nil {
		return nil, err
	}

	return &ModuleDataEntry{
		Bytecode:   bytecode,
		Objectcode: objectcode,
		Metadata:   metadata,
		Memory:     memory,
	}, nil
}
