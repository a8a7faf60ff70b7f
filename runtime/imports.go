// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/Saeed76a/piecrust/abi"
)

// importModule is the wasm module name contracts import host functions
// from.
const importModule = "env"

// SessionHandle is the session surface host imports call back into. The
// handle is valid for the duration of a call; every method operates on the
// current top instance of the call stack.
type SessionHandle interface {
	// SelfInstance returns the instance of the current top frame.
	SelfInstance() *WrappedInstance

	// CallerID returns the id of the frame below the top, or the zero id
	// at the top frame.
	CallerID() abi.ContractID

	// CurrentLimit returns the top frame's point limit.
	CurrentLimit() uint64

	// HostQuery runs a registered host query over the argument buffer,
	// returning the new argument length. False if the name is unknown.
	HostQuery(name string, buf []byte, argLen uint32) (uint32, bool)

	// MetaData looks up session metadata by name.
	MetaData(name string) ([]byte, bool)

	// PushEvent enqueues an event emitted by the given contract.
	PushEvent(source abi.ContractID, topic string, data []byte)

	// PushFeed streams bytes back to the host. Errors outside a feed
	// context.
	PushFeed(data []byte) error

	// RegisterDebug records a contract debug string.
	RegisterDebug(msg string)

	// InterContractCall runs a nested call. The returned length is
	// negative when the callee failed with a ContractError the caller may
	// catch; a non-nil error aborts the whole top-level call.
	InterContractCall(contract abi.ContractID, fn string, argLen uint32, limit uint64) (int32, error)

	// SetPendingError records the host error behind a trap about to be
	// raised, so the session can recover it once the engine unwinds.
	SetPendingError(err error)
}

// defineImports wires the host functions contracts link against. All
// structured data moves through the argument buffer of the current top
// instance; scalars are passed as wasm integers.
func defineImports(linker *wasmtime.Linker, session SessionHandle, selfID abi.ContractID) error {
	trap := func(err error) *wasmtime.Trap {
		session.SetPendingError(err)
		return wasmtime.NewTrap(err.Error())
	}

	// hq: host query. The payload is in the argument buffer; returns the
	// new argument length.
	if err := linker.FuncWrap(importModule, "hq", func(namePtr, nameLen, argLen int32) (int32, *wasmtime.Trap) {
		self := session.SelfInstance()

		name, err := self.ReadMemoryString(uint32(namePtr), uint32(nameLen))
		if err != nil {
			return 0, trap(err)
		}

		var retLen uint32
		ok := false
		self.WithArgBuf(func(buf []byte) {
			retLen, ok = session.HostQuery(name, buf, uint32(argLen))
		})
		if !ok {
			return 0, trap(errUnknownHostQuery(name))
		}
		return int32(retLen), nil
	}); err != nil {
		return err
	}

	// c: inter-contract call.
	if err := linker.FuncWrap(importModule, "c", func(contractPtr, fnPtr, fnLen, argLen int32, pointsLimit int64) (int32, *wasmtime.Trap) {
		self := session.SelfInstance()

		contractBytes, err := self.ReadMemory(uint32(contractPtr), abi.ContractIDBytes)
		if err != nil {
			return 0, trap(err)
		}
		fnName, err := self.ReadMemoryString(uint32(fnPtr), uint32(fnLen))
		if err != nil {
			return 0, trap(err)
		}

		ret, err := session.InterContractCall(
			abi.ContractIDFromBytes(contractBytes),
			fnName,
			uint32(argLen),
			uint64(pointsLimit),
		)
		if err != nil {
			session.SetPendingError(err)
			return 0, wasmtime.NewTrap(err.Error())
		}
		return ret, nil
	}); err != nil {
		return err
	}

	// hd: session metadata lookup; writes the value to the argument
	// buffer, returns its length or 0 when absent.
	if err := linker.FuncWrap(importModule, "hd", func(namePtr, nameLen int32) (int32, *wasmtime.Trap) {
		self := session.SelfInstance()

		name, err := self.ReadMemoryString(uint32(namePtr), uint32(nameLen))
		if err != nil {
			return 0, trap(err)
		}

		data, ok := session.MetaData(name)
		if !ok {
			return 0, nil
		}
		self.WithArgBuf(func(buf []byte) {
			copy(buf[:len(data)], data)
		})
		return int32(len(data)), nil
	}); err != nil {
		return err
	}

	// emit: enqueue an event with the argument buffer as data.
	if err := linker.FuncWrap(importModule, "emit", func(topicPtr, topicLen, argLen int32) *wasmtime.Trap {
		self := session.SelfInstance()

		topic, err := self.ReadMemoryString(uint32(topicPtr), uint32(topicLen))
		if err != nil {
			return trap(err)
		}

		data := self.ReadArgument(uint32(argLen))
		session.PushEvent(selfID, topic, data)
		return nil
	}); err != nil {
		return err
	}

	// feed: stream bytes back to the host, only valid in a feed context.
	if err := linker.FuncWrap(importModule, "feed", func(argLen int32) *wasmtime.Trap {
		self := session.SelfInstance()

		data := self.ReadArgument(uint32(argLen))
		if err := session.PushFeed(data); err != nil {
			return trap(err)
		}
		return nil
	}); err != nil {
		return err
	}

	// caller: write the calling contract's id into the argument buffer.
	if err := linker.FuncWrap(importModule, "caller", func() {
		caller := session.CallerID()
		session.SelfInstance().WithArgBuf(func(buf []byte) {
			copy(buf[:abi.ContractIDBytes], caller[:])
		})
	}); err != nil {
		return err
	}

	// self_id: write the contract's own id into the argument buffer.
	if err := linker.FuncWrap(importModule, "self_id", func() {
		session.SelfInstance().WithArgBuf(func(buf []byte) {
			copy(buf[:abi.ContractIDBytes], selfID[:])
		})
	}); err != nil {
		return err
	}

	// owner: write the contract owner into the argument buffer.
	if err := linker.FuncWrap(importModule, "owner", func() {
		self := session.SelfInstance()
		owner := self.Owner()
		self.WithArgBuf(func(buf []byte) {
			copy(buf[:abi.OwnerBytes], owner[:])
		})
	}); err != nil {
		return err
	}

	// limit: the current frame's point limit.
	if err := linker.FuncWrap(importModule, "limit", func() int64 {
		return int64(session.CurrentLimit())
	}); err != nil {
		return err
	}

	// spent: points spent by the current frame so far.
	if err := linker.FuncWrap(importModule, "spent", func() int64 {
		remaining := session.SelfInstance().GetRemainingPoints()
		return int64(session.CurrentLimit() - remaining)
	}); err != nil {
		return err
	}

	// hdebug: record a debug string.
	return linker.FuncWrap(importModule, "hdebug", func(msgPtr, msgLen int32) *wasmtime.Trap {
		msg, err := session.SelfInstance().ReadMemoryString(uint32(msgPtr), uint32(msgLen))
		if err != nil {
			return trap(err)
		}
		session.RegisterDebug(msg)
		return nil
	})
}

type errUnknownHostQuery string

func (e errUnknownHostQuery) Error() string {
	return "unknown host query: " + string(e)
}
