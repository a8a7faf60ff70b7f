// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import "errors"

var (
	// ErrOutOfPoints signals that a call exhausted its point limit. It is
	// detected by probing remaining points after a runtime failure.
	ErrOutOfPoints = errors.New("out of points")

	// ErrInitialization is returned when transacting against a contract
	// whose init state is not Done, or when re-running init.
	ErrInitialization = errors.New("initialization error")

	// ErrExportMissing is returned when a module lacks a required export.
	ErrExportMissing = errors.New("missing export")

	// ErrValidation is returned when a module violates resource limits.
	ErrValidation = errors.New("module validation failed")

	// ErrCompile wraps engine compilation failures.
	ErrCompile = errors.New("compile error")

	// ErrDeserialize wraps objectcode deserialization failures.
	ErrDeserialize = errors.New("deserialize error")

	// ErrInstantiation wraps engine instantiation failures.
	ErrInstantiation = errors.New("instantiation error")

	// ErrRuntime wraps traps and other engine-originated call failures.
	ErrRuntime = errors.New("runtime error")

	// ErrMemorySetup is returned when an instance's memory cannot be bound.
	ErrMemorySetup = errors.New("memory setup error")
)
