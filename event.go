// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust

import "github.com/Saeed76a/piecrust/abi"

// Event is emitted by a contract during a call. Events are ordered by
// emission across all frames and drained with Session.TakeEvents.
type Event struct {
	Source abi.ContractID
	Topic  string
	Data   []byte
}
