// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust

import (
	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/ava-labs/avalanchego/utils/units"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Saeed76a/piecrust/runtime"
)

// Config parameterizes a VM.
type Config struct {
	// RootDir is the directory commits are stored under.
	RootDir string

	// Log receives VM, session and store diagnostics.
	Log logging.Logger

	// Limits constrain deployed modules.
	Limits runtime.ResourceLimits

	// ModuleCacheSize bounds the in-memory cache of deserialized modules,
	// in bytes of objectcode.
	ModuleCacheSize int

	// Registerer receives the VM's metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// NewConfig returns a config with defaults for everything but the root
// directory.
func NewConfig(rootDir string) Config {
	return Config{
		RootDir:         rootDir,
		Log:             logging.NoLog{},
		Limits:          runtime.DefaultResourceLimits(),
		ModuleCacheSize: 64 * units.MiB,
	}
}
