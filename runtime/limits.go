// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import "github.com/ava-labs/avalanchego/utils/units"

// ResourceLimits defines constraints for WebAssembly contracts
type ResourceLimits struct {
	// Maximum size of contract bytecode in bytes
	MaxBytecodeSize uint32

	// Maximum number of imports and exports of a module combined, of any
	// kind; functions defined but not exported are not counted
	MaxFunctions uint32

	// Maximum number of imports in a module
	MaxImports uint32

	// Maximum number of exports in a module
	MaxExports uint32
}

// DefaultResourceLimits returns resource limits with safe default values
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxBytecodeSize: 1 * units.MiB, // 1MB
		MaxFunctions:    1000,          // 1K imports plus exports
		MaxImports:      100,           // 100 imports
		MaxExports:      100,           // 100 exports
	}
}
