// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytecodealliance/wasmtime-go/v25"
	"github.com/near/borsh-go"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	piecrust "github.com/Saeed76a/piecrust"
	"github.com/Saeed76a/piecrust/abi"
	"github.com/Saeed76a/piecrust/runtime"
	"github.com/Saeed76a/piecrust/store"
)

// Test contracts are written in WAT against the contract ABI: an exported
// 18-page memory, the A/M/SELF_ID/__heap_base globals, and entry points of
// signature (i32) -> i32 over the argument buffer at A.

const watPrelude = `
  (memory (export "memory") 18 18)
  (global (export "A") i32 (i32.const 65536))
  (global (export "M") i32 (i32.const 131072))
  (global (export "SELF_ID") i32 (i32.const 196608))
  (global (export "__heap_base") i32 (i32.const 262144))
`

const fibonacciWat = `(module` + watPrelude + `
  (func (export "nth") (param $arg_len i32) (result i32)
    (local $n i32) (local $a i64) (local $b i64) (local $t i64)
    (local.set $n (i32.load (i32.const 65536)))
    (local.set $a (i64.const 1))
    (local.set $b (i64.const 1))
    (block $done
      (loop $loop
        (br_if $done (i32.eqz (local.get $n)))
        (local.set $t (i64.add (local.get $a) (local.get $b)))
        (local.set $a (local.get $b))
        (local.set $b (local.get $t))
        (local.set $n (i32.sub (local.get $n) (i32.const 1)))
        (br $loop)))
    (i64.store (i32.const 65536) (local.get $a))
    (i32.const 8))
)`

const counterWat = `(module` + watPrelude + `
  (func (export "init") (param i32) (result i32)
    (i64.store (i32.const 262144) (i64.const 0))
    (i32.const 0))
  (func (export "increment") (param i32) (result i32)
    (i64.store (i32.const 262144)
      (i64.add (i64.load (i32.const 262144)) (i64.const 1)))
    (i32.const 0))
  (func (export "read_value") (param i32) (result i32)
    (i64.store (i32.const 65536) (i64.load (i32.const 262144)))
    (i32.const 8))
)`

const hostWat = `(module
  (import "env" "hq" (func $hq (param i32 i32 i32) (result i32)))` + watPrelude + `
  (data (i32.const 1024) "hash")
  (func (export "hash") (param $arg_len i32) (result i32)
    (call $hq (i32.const 1024) (i32.const 4) (local.get $arg_len)))
)`

// callerWat copies a callee id out of the argument buffer and issues
// inter-contract calls against it.
const callerWat = `(module
  (import "env" "c" (func $c (param i32 i32 i32 i32 i64) (result i32)))` + watPrelude + `
  (data (i32.const 1024) "nth")
  (data (i32.const 1028) "boom")
  (data (i32.const 1032) "lim")
  (func $load_callee
    (i64.store (i32.const 0) (i64.load (i32.const 65536)))
    (i64.store (i32.const 8) (i64.load (i32.const 65544)))
    (i64.store (i32.const 16) (i64.load (i32.const 65552)))
    (i64.store (i32.const 24) (i64.load (i32.const 65560))))
  (func (export "call_fib") (param $arg_len i32) (result i32)
    (call $load_callee)
    (i32.store (i32.const 65536) (i32.load (i32.const 65568)))
    (call $c (i32.const 0) (i32.const 1024) (i32.const 3) (i32.const 4) (i64.const 0)))
  (func (export "call_boom") (param $arg_len i32) (result i32)
    (local $r i32)
    (call $load_callee)
    (local.set $r
      (call $c (i32.const 0) (i32.const 1028) (i32.const 4) (i32.const 0) (i64.const 0)))
    (if (i32.lt_s (local.get $r) (i32.const 0))
      (then (i64.store (i32.const 65536) (i64.const 99)))
      (else (i64.store (i32.const 65536) (i64.const 0))))
    (i64.store (i32.const 262144)
      (i64.add (i64.load (i32.const 262144)) (i64.const 1)))
    (i32.const 8))
  (func (export "read_count") (param i32) (result i32)
    (i64.store (i32.const 65536) (i64.load (i32.const 262144)))
    (i32.const 8))
  (func (export "call_lim") (param $arg_len i32) (result i32)
    (call $load_callee)
    (call $c (i32.const 0) (i32.const 1032) (i32.const 3) (i32.const 0) (i64.const 0)))
)`

const boomWat = `(module` + watPrelude + `
  (func (export "boom") (param i32) (result i32)
    (unreachable))
)`

const limiterWat = `(module
  (import "env" "limit" (func $limit (result i64)))` + watPrelude + `
  (func (export "lim") (param i32) (result i32)
    (i64.store (i32.const 65536) (call $limit))
    (i32.const 8))
)`

const emitterWat = `(module
  (import "env" "emit" (func $emit (param i32 i32 i32)))` + watPrelude + `
  (data (i32.const 1024) "topic")
  (func (export "emit_evt") (param $arg_len i32) (result i32)
    (call $emit (i32.const 1024) (i32.const 5) (local.get $arg_len))
    (i32.const 0))
)`

const feederWat = `(module
  (import "env" "feed" (func $feed (param i32)))` + watPrelude + `
  (func (export "feed3") (param i32) (result i32)
    (i64.store (i32.const 65536) (i64.const 1))
    (call $feed (i32.const 8))
    (i64.store (i32.const 65536) (i64.const 2))
    (call $feed (i32.const 8))
    (i64.store (i32.const 65536) (i64.const 3))
    (call $feed (i32.const 8))
    (i32.const 0))
)`

const metaWat = `(module
  (import "env" "hd" (func $hd (param i32 i32) (result i32)))` + watPrelude + `
  (data (i32.const 1024) "height")
  (func (export "read_height") (param i32) (result i32)
    (call $hd (i32.const 1024) (i32.const 6)))
)`

const identityWat = `(module
  (import "env" "self_id" (func $self_id))
  (import "env" "caller" (func $caller))
  (import "env" "owner" (func $owner))` + watPrelude + `
  (func (export "who") (param i32) (result i32)
    (call $self_id)
    (i32.const 32))
  (func (export "who_calls") (param i32) (result i32)
    (call $caller)
    (i32.const 32))
  (func (export "own") (param i32) (result i32)
    (call $owner)
    (i32.const 32))
)`

const debugWat = `(module
  (import "env" "hdebug" (func $hdebug (param i32 i32)))` + watPrelude + `
  (data (i32.const 1024) "hello")
  (func (export "say") (param i32) (result i32)
    (call $hdebug (i32.const 1024) (i32.const 5))
    (i32.const 0))
)`

const tickWat = `(module
  (import "env" "hq" (func $hq (param i32 i32 i32) (result i32)))` + watPrelude + `
  (data (i32.const 1024) "tick")
  (func (export "assert_first") (param i32) (result i32)
    (drop (call $hq (i32.const 1024) (i32.const 4) (i32.const 0)))
    (if (i64.ne (i64.load (i32.const 65536)) (i64.const 1))
      (then (unreachable)))
    (i32.const 0))
)`

func wat2wasm(t *testing.T, wat string) []byte {
	t.Helper()
	wasm, err := wasmtime.Wat2Wasm(wat)
	require.NoError(t, err)
	return wasm
}

func newTestVM(t *testing.T) *piecrust.VM {
	t.Helper()
	vm, err := piecrust.Ephemeral()
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Close() })
	return vm
}

func TestFibonacciQuery(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, fibonacciWat))
	require.NoError(err)

	for n, want := range []uint64{1, 1, 2, 3, 5} {
		got, err := piecrust.Query[uint32, uint64](session, id, "nth", uint32(n))
		require.NoError(err)
		require.Equal(want, got)
	}
}

func TestHostHash(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	vm.RegisterHostQuery("hash", func(buf []byte, argLen uint32) uint32 {
		var v []byte
		if err := borsh.Deserialize(&v, buf[:argLen]); err != nil {
			return 0
		}
		hash := blake3.Sum256(v)
		copy(buf[:32], hash[:])
		return 32
	})

	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, hostWat))
	require.NoError(err)

	h, err := piecrust.Query[[]byte, [32]byte](session, id, "hash", []byte{0, 1, 2})
	require.NoError(err)
	require.Equal(blake3.Sum256([]byte{0, 1, 2}), h)
}

func iccArg(callee abi.ContractID, n uint32) []byte {
	arg := make([]byte, 36)
	copy(arg, callee[:])
	binary.LittleEndian.PutUint32(arg[32:], n)
	return arg
}

func TestInterContractCall(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	fib, err := session.Deploy(wat2wasm(t, fibonacciWat))
	require.NoError(err)
	caller, err := session.Deploy(wat2wasm(t, callerWat))
	require.NoError(err)

	out, err := session.Query(caller, "call_fib", iccArg(fib, 4))
	require.NoError(err)
	require.Len(out, 8)
	require.Equal(uint64(5), binary.LittleEndian.Uint64(out))

	require.LessOrEqual(session.Spent(), uint64(piecrust.DefaultPointLimit))
	require.NotZero(session.Spent())
}

func TestInterContractCallDefaultLimit(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	limiter, err := session.Deploy(wat2wasm(t, limiterWat))
	require.NoError(err)
	caller, err := session.Deploy(wat2wasm(t, callerWat))
	require.NoError(err)

	out, err := session.Query(caller, "call_lim", iccArg(limiter, 0))
	require.NoError(err)

	// The callee receives 93% of the caller's remaining points, which is
	// strictly below 93% of the top-level limit.
	calleeLimit := binary.LittleEndian.Uint64(out)
	require.NotZero(calleeLimit)
	require.Less(calleeLimit, uint64(piecrust.DefaultPointLimit))
	require.LessOrEqual(calleeLimit*100, uint64(piecrust.DefaultPointLimit)*93)
}

func TestTransactBeforeInit(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, counterWat))
	require.NoError(err)

	_, err = session.Transact(id, "increment", nil)
	require.ErrorIs(err, runtime.ErrInitialization)

	_, err = session.Transact(id, "init", nil)
	require.NoError(err)

	_, err = session.Transact(id, "increment", nil)
	require.NoError(err)

	// Re-initialization is refused.
	_, err = session.Transact(id, "init", nil)
	require.ErrorIs(err, runtime.ErrInitialization)

	// Only the post-init increment took effect; the rejected calls are
	// deterministic no-ops.
	out, err := session.Query(id, "read_value", nil)
	require.NoError(err)
	require.Equal(uint64(1), binary.LittleEndian.Uint64(out))
}

func TestICCFailureIsolation(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)

	genesis := vm.GenesisSession()
	callerID, err := genesis.Deploy(wat2wasm(t, callerWat))
	require.NoError(err)
	boomID, err := genesis.Deploy(wat2wasm(t, boomWat))
	require.NoError(err)
	base, err := genesis.Commit()
	require.NoError(err)
	genesis.Close()

	session, err := vm.Session(base)
	require.NoError(err)

	// The callee traps; the caller observes the contract error and
	// continues, bumping its own counter.
	out, err := session.Transact(callerID, "call_boom", iccArg(boomID, 0))
	require.NoError(err)
	require.Equal(uint64(99), binary.LittleEndian.Uint64(out))

	out, err = session.Query(callerID, "read_count", nil)
	require.NoError(err)
	require.Equal(uint64(1), binary.LittleEndian.Uint64(out))

	child, err := session.Commit()
	require.NoError(err)
	session.Close()

	// After squashing, the callee's memory image is byte-identical to the
	// base: the failed call never ran on the committed state.
	require.NoError(vm.SquashCommit(child))
	requireSameMemory(t, vm, base, child, boomID, true)
	requireSameMemory(t, vm, base, child, callerID, false)
}

func TestOutOfPoints(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, fibonacciWat))
	require.NoError(err)

	session.SetPointLimit(10)
	_, err = session.Query(id, "nth", leU32(30))
	require.ErrorIs(err, runtime.ErrOutOfPoints)

	// The session stays usable and the failed call re-fails identically.
	session.SetPointLimit(piecrust.DefaultPointLimit)
	got, err := piecrust.Query[uint32, uint64](session, id, "nth", 4)
	require.NoError(err)
	require.Equal(uint64(5), got)
}

func TestEventsOrderAndDrain(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, emitterWat))
	require.NoError(err)

	payload := []byte{9, 8, 7}
	_, err = session.Query(id, "emit_evt", payload)
	require.NoError(err)
	_, err = session.Query(id, "emit_evt", payload)
	require.NoError(err)

	events := session.TakeEvents()
	require.Len(events, 2)
	for _, event := range events {
		require.Equal(id, event.Source)
		require.Equal("topic", event.Topic)
		require.Equal(payload, event.Data)
	}
	require.Empty(session.TakeEvents())
}

func TestFeedQuery(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, feederWat))
	require.NoError(err)

	var fed []uint64
	_, err = session.QueryFeed(id, "feed3", nil, func(data []byte) {
		fed = append(fed, binary.LittleEndian.Uint64(data))
	})
	require.NoError(err)
	require.Equal([]uint64{1, 2, 3}, fed)

	// Outside a feed context the feed import fails the call.
	_, err = session.Query(id, "feed3", nil)
	require.ErrorIs(err, piecrust.ErrFeedContext)
}

func TestSessionMetadata(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	require.NoError(session.SetMeta("height", uint64(42)))

	id, err := session.Deploy(wat2wasm(t, metaWat))
	require.NoError(err)

	out, err := session.Query(id, "read_height", nil)
	require.NoError(err)
	require.Equal(uint64(42), binary.LittleEndian.Uint64(out))
}

func TestSelfIDCallerAndOwner(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	var owner [abi.OwnerBytes]byte
	for i := range owner {
		owner[i] = 0xaa
	}

	id, err := session.DeployOwned(wat2wasm(t, identityWat), owner)
	require.NoError(err)

	out, err := session.Query(id, "who", nil)
	require.NoError(err)
	require.Equal(id[:], out)

	// At the top frame there is no caller.
	out, err = session.Query(id, "who_calls", nil)
	require.NoError(err)
	require.Equal(make([]byte, 32), out)

	out, err = session.Query(id, "own", nil)
	require.NoError(err)
	require.Equal(owner[:], out)
}

func TestDebugStrings(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	id, err := session.Deploy(wat2wasm(t, debugWat))
	require.NoError(err)

	_, err = session.Query(id, "say", nil)
	require.NoError(err)

	session.WithDebug(func(debug []string) {
		require.Equal([]string{"hello"}, debug)
	})
}

func TestImpureHostQueryPoisonsSession(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)

	// An impure host query: each invocation observes a different value,
	// which breaks replay determinism.
	ticks := uint64(0)
	vm.RegisterHostQuery("tick", func(buf []byte, argLen uint32) uint32 {
		ticks++
		binary.LittleEndian.PutUint64(buf[:8], ticks)
		return 8
	})

	session := vm.GenesisSession()
	defer session.Close()

	tickID, err := session.Deploy(wat2wasm(t, tickWat))
	require.NoError(err)
	fib, err := session.Deploy(wat2wasm(t, fibonacciWat))
	require.NoError(err)

	_, err = session.Query(tickID, "assert_first", nil)
	require.NoError(err)

	// Forcing a replay re-runs the historical call, which now observes a
	// different tick and diverges.
	session.SetPointLimit(10)
	_, err = session.Query(fib, "nth", leU32(30))
	require.ErrorIs(err, piecrust.ErrNonDeterministic)

	_, err = session.Query(fib, "nth", leU32(1))
	require.ErrorIs(err, piecrust.ErrNonDeterministic)
}

func TestCommitSessionRoundTrip(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t)

	genesis := vm.GenesisSession()
	counter, err := genesis.Deploy(wat2wasm(t, counterWat))
	require.NoError(err)
	_, err = genesis.Transact(counter, "init", nil)
	require.NoError(err)
	_, err = genesis.Transact(counter, "increment", nil)
	require.NoError(err)
	root, err := genesis.Commit()
	require.NoError(err)
	genesis.Close()

	session, err := vm.Session(root)
	require.NoError(err)
	defer session.Close()

	out, err := session.Query(counter, "read_value", nil)
	require.NoError(err)
	require.Equal(uint64(1), binary.LittleEndian.Uint64(out))
}

func TestRootIsPureFunctionOfHistory(t *testing.T) {
	require := require.New(t)

	roots := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		vm := newTestVM(t)
		session := vm.GenesisSession()

		counter, err := session.Deploy(wat2wasm(t, counterWat))
		require.NoError(err)
		_, err = session.Transact(counter, "init", nil)
		require.NoError(err)
		_, err = session.Transact(counter, "increment", nil)
		require.NoError(err)

		root, err := session.Commit()
		require.NoError(err)
		roots = append(roots, root.Hex())
		session.Close()
	}

	require.Equal(roots[0], roots[1])
}

func TestQueryUnknownModule(t *testing.T) {
	vm := newTestVM(t)
	session := vm.GenesisSession()
	defer session.Close()

	_, err := session.Query(abi.ContractID{0x01}, "nth", nil)
	require.ErrorIs(t, err, piecrust.ErrModuleNotFound)
}

// requireSameMemory compares a contract's memory image between two commit
// directories.
func requireSameMemory(t *testing.T, vm *piecrust.VM, base, child store.Hash, id abi.ContractID, wantEqual bool) {
	t.Helper()

	baseBytes, err := os.ReadFile(filepath.Join(vm.RootDir(), base.Hex(), "memory", id.Hex()))
	require.NoError(t, err)
	childBytes, err := os.ReadFile(filepath.Join(vm.RootDir(), child.Hex(), "memory", id.Hex()))
	require.NoError(t, err)

	if wantEqual {
		require.Equal(t, baseBytes, childBytes)
	} else {
		require.NotEqual(t, baseBytes, childBytes)
	}
}

func leU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}
