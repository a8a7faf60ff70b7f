// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package runtime embeds the WebAssembly engine: compiled modules, live
// instances over fixed linear memories, point metering via engine fuel, and
// the host-import ABI exposed to contracts.
package runtime

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/Saeed76a/piecrust/abi"
)

// InitialPointLimit is the fuel given to a fresh store before the first
// call sets its own limit.
const InitialPointLimit = 10_000_000

// NewEngine configures a wasmtime engine with fuel metering enabled. Fuel
// is the point unit: roughly one per operation.
func NewEngine() *wasmtime.Engine {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	return wasmtime.NewEngineWithConfig(cfg)
}

// WrappedModule is a compiled WASM artifact bound to its bytecode. Its
// serialized form is cached on disk as objectcode.
type WrappedModule struct {
	module     *wasmtime.Module
	objectcode []byte
}

// NewWrappedModule validates and compiles bytecode.
func NewWrappedModule(engine *wasmtime.Engine, limits ResourceLimits, bytecode []byte) (*WrappedModule, error) {
	if uint32(len(bytecode)) > limits.MaxBytecodeSize {
		return nil, fmt.Errorf("%w: bytecode size %d exceeds maximum %d",
			ErrValidation, len(bytecode), limits.MaxBytecodeSize)
	}

	module, err := wasmtime.NewModule(engine, bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	if err := validateModule(module, limits); err != nil {
		return nil, err
	}

	objectcode, err := module.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	return &WrappedModule{module: module, objectcode: objectcode}, nil
}

// ModuleFromObjectcode rehydrates a module from its cached compiled form.
func ModuleFromObjectcode(engine *wasmtime.Engine, objectcode []byte) (*WrappedModule, error) {
	module, err := wasmtime.NewModuleDeserialize(engine, objectcode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	return &WrappedModule{module: module, objectcode: objectcode}, nil
}

// AsBytes returns the objectcode, the byte view cached on disk.
func (m *WrappedModule) AsBytes() []byte {
	return m.objectcode
}

// validateModule checks a compiled module against resource limits and the
// fixed memory geometry.
func validateModule(module *wasmtime.Module, limits ResourceLimits) error {
	exports := module.Exports()
	imports := module.Imports()

	funcCount := uint32(len(exports) + len(imports))
	if funcCount > limits.MaxFunctions {
		return fmt.Errorf("%w: function count %d exceeds maximum %d",
			ErrValidation, funcCount, limits.MaxFunctions)
	}
	if uint32(len(imports)) > limits.MaxImports {
		return fmt.Errorf("%w: import count %d exceeds maximum %d",
			ErrValidation, len(imports), limits.MaxImports)
	}
	if uint32(len(exports)) > limits.MaxExports {
		return fmt.Errorf("%w: export count %d exceeds maximum %d",
			ErrValidation, len(exports), limits.MaxExports)
	}

	// The memory must be exported and fixed at the sandbox geometry, so
	// that memory images are complete snapshots and never grow.
	for _, export := range exports {
		if export.Name() != "memory" {
			continue
		}
		memType := export.Type().MemoryType()
		if memType == nil {
			return fmt.Errorf("%w: export %q is not a memory", ErrValidation, "memory")
		}
		if memType.Minimum() != abi.MemoryPages {
			return fmt.Errorf("%w: memory must have %d pages, has %d",
				ErrValidation, abi.MemoryPages, memType.Minimum())
		}
		present, max := memType.Maximum()
		if !present || max != abi.MemoryPages {
			return fmt.Errorf("%w: memory must be fixed at %d pages",
				ErrValidation, abi.MemoryPages)
		}
		return nil
	}

	return fmt.Errorf("%w: memory", ErrExportMissing)
}
