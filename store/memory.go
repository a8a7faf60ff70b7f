// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"os"
	"sync"

	"github.com/Saeed76a/piecrust/abi"
)

// Memory is a contract's fixed-size linear memory. It is shared by handle
// between the module session that owns it and the live instance that runs
// over it; access goes through a read/write lock. The region never grows,
// so the byte image, together with bytecode and metadata, is a complete
// snapshot of a contract.
type Memory struct {
	inner *memoryInner
}

type memoryInner struct {
	mu sync.RWMutex
	// data is either a slice owned by this Memory or, while an instance is
	// live, the instance's own wasm memory. Bind and Unbind switch between
	// the two.
	data  []byte
	bound bool
}

// NewMemory returns a fresh, zeroed linear memory.
func NewMemory() *Memory {
	return &Memory{inner: &memoryInner{data: make([]byte, abi.MemoryBytes)}}
}

// MemoryFromFile maps a linear memory from an existing memory file.
func MemoryFromFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != abi.MemoryBytes {
		return nil, fmt.Errorf("memory file %q has %d bytes, want %d", path, len(data), abi.MemoryBytes)
	}
	return &Memory{inner: &memoryInner{data: data}}, nil
}

// MemoryFromFileAndDiff maps a linear memory from a memory file with a diff
// applied on top.
func MemoryFromFileAndDiff(path, diffPath string) (*Memory, error) {
	mem, err := MemoryFromFile(path)
	if err != nil {
		return nil, err
	}
	diffData, err := os.ReadFile(diffPath)
	if err != nil {
		return nil, err
	}
	if err := applyDiff(mem.inner.data, diffData); err != nil {
		return nil, err
	}
	return mem, nil
}

// Clone returns a handle to the same underlying bytes.
func (m *Memory) Clone() *Memory {
	return &Memory{inner: m.inner}
}

// WithRead calls f with a read view of the memory.
func (m *Memory) WithRead(f func(data []byte)) {
	m.inner.mu.RLock()
	defer m.inner.mu.RUnlock()
	f(m.inner.data)
}

// WithWrite calls f with an exclusive write view of the memory.
func (m *Memory) WithWrite(f func(data []byte)) {
	m.inner.mu.Lock()
	defer m.inner.mu.Unlock()
	f(m.inner.data)
}

// Snapshot copies the current contents out.
func (m *Memory) Snapshot() []byte {
	m.inner.mu.RLock()
	defer m.inner.mu.RUnlock()
	out := make([]byte, len(m.inner.data))
	copy(out, m.inner.data)
	return out
}

// Bind re-points the memory at a live wasm region of the same size, copying
// the current contents in. From then on the instance and every holder of
// this handle observe the same bytes.
func (m *Memory) Bind(wasm []byte) error {
	if len(wasm) != abi.MemoryBytes {
		return fmt.Errorf("wasm memory has %d bytes, want %d", len(wasm), abi.MemoryBytes)
	}
	m.inner.mu.Lock()
	defer m.inner.mu.Unlock()
	copy(wasm, m.inner.data)
	m.inner.data = wasm
	m.inner.bound = true
	return nil
}

// Unbind copies the bytes back out of the wasm region, so the handle stays
// valid after the instance is closed.
func (m *Memory) Unbind() {
	m.inner.mu.Lock()
	defer m.inner.mu.Unlock()
	if !m.inner.bound {
		return
	}
	owned := make([]byte, len(m.inner.data))
	copy(owned, m.inner.data)
	m.inner.data = owned
	m.inner.bound = false
}
