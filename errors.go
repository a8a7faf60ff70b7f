// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust

import "errors"

var (
	// ErrSession signals a violated session protocol invariant.
	ErrSession = errors.New("session error")

	// ErrCommit signals a violated commit protocol invariant.
	ErrCommit = errors.New("commit error")

	// ErrPersistence wraps I/O failures underneath the session.
	ErrPersistence = errors.New("persistence error")

	// ErrModuleNotFound is returned when calling a contract that neither
	// the working set nor the base commit knows.
	ErrModuleNotFound = errors.New("module does not exist")

	// ErrPayloadValidation is returned when a structured payload fails to
	// decode.
	ErrPayloadValidation = errors.New("payload validation failed")

	// ErrNonDeterministic poisons a session whose replay diverged: a
	// historically successful call failed during re-execution.
	ErrNonDeterministic = errors.New("session error: non-deterministic re-execution")

	// ErrFeedContext is returned when a contract feeds outside a feed
	// call.
	ErrFeedContext = errors.New("session error: feed called outside a feed context")
)
