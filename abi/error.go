// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abi

import (
	"fmt"
	"math"
)

// Status codes used on the negative return-length channel. A contract call
// that returns a negative length communicates a ContractError instead of
// result bytes; any payload is left in the argument buffer.
const (
	// OutOfGasCode signals that the callee exhausted its point limit.
	OutOfGasCode int32 = -1

	// OtherCode carries every host failure that has no dedicated code.
	OtherCode int32 = math.MinInt32
)

// ContractError is the only error kind visible to contracts. It crosses the
// host/contract boundary encoded as a negative return length.
type ContractError struct {
	Code int32
}

func (e ContractError) Error() string {
	switch e.Code {
	case OutOfGasCode:
		return "contract error: out of gas"
	default:
		return fmt.Sprintf("contract error: code %d", e.Code)
	}
}

// ContractErrorFromCode decodes a negative return length into a
// ContractError.
func ContractErrorFromCode(code int32) ContractError {
	return ContractError{Code: code}
}
