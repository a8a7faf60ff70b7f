// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package piecrust is a smart-contract execution engine. Contracts are
// WebAssembly modules deployed into a persistent, content-addressed module
// store and invoked through metered, sandboxed calls.
package piecrust

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/near/borsh-go"
	"go.uber.org/zap"

	"github.com/Saeed76a/piecrust/abi"
	"github.com/Saeed76a/piecrust/runtime"
	"github.com/Saeed76a/piecrust/store"
)

// DefaultPointLimit is the point limit of top-level calls until the session
// sets its own.
const DefaultPointLimit = 65_536

type callType int

const (
	callQ callType = iota
	callT
)

type callRecord struct {
	ty     callType
	module abi.ContractID
	fname  string
	fdata  []byte
	limit  uint64
}

type deployRecord struct {
	id       abi.ContractID
	bytecode []byte
	owner    [abi.OwnerBytes]byte
}

// callOrDeploy is one entry of the append-only call history.
type callOrDeploy struct {
	call   *callRecord
	deploy *deployRecord
}

// Session orchestrates execution over a working set layered on a base
// commit. A top-level call either commits its effects in full or leaves the
// session state indistinguishable from before the call; since linear-memory
// mutations cannot be rolled back cheaply, the session records where in the
// nested call tree failures occurred and replays the whole history
// deterministically from a clean working set.
type Session struct {
	vm  *VM
	log logging.Logger

	stack  *callStack
	debug  []string
	events []Event
	meta   map[string][]byte

	moduleSession *store.ModuleSession

	limit uint64
	spent uint64

	history []callOrDeploy

	// callCount numbers top-level calls within the current execution pass.
	// iccNext numbers inter-contract calls in preorder within the current
	// top-level call, and iccStack holds the numbers of the ones in
	// flight. iccErrors records, per (call, icc) position, failures that
	// must replay as deterministic no-ops.
	callCount int
	iccNext   int
	iccStack  []int
	iccErrors map[int]map[int]error

	currentType callType
	pendingErr  error
	feedSink    func(data []byte)
	replaying   bool
	poisoned    error
}

func newSession(vm *VM, moduleSession *store.ModuleSession) *Session {
	return &Session{
		vm:            vm,
		log:           vm.log,
		stack:         newCallStack(),
		meta:          make(map[string][]byte),
		moduleSession: moduleSession,
		limit:         DefaultPointLimit,
		iccErrors:     make(map[int]map[int]error),
	}
}

// Deploy deploys bytecode, returning its blake3-derived id and a zero
// owner. Use DeployOwned to record an owner.
func (s *Session) Deploy(bytecode []byte) (abi.ContractID, error) {
	return s.DeployOwned(bytecode, [abi.OwnerBytes]byte{})
}

// DeployOwned deploys bytecode with the given contract owner.
func (s *Session) DeployOwned(bytecode []byte, owner [abi.OwnerBytes]byte) (abi.ContractID, error) {
	id, err := s.moduleSession.Deploy(bytecode, owner)
	if err != nil {
		return abi.ContractID{}, err
	}
	s.recordDeploy(id, bytecode, owner)
	return id, nil
}

// DeployWithID deploys bytecode under a caller-chosen id.
func (s *Session) DeployWithID(id abi.ContractID, bytecode []byte) error {
	if err := s.moduleSession.DeployWithID(id, bytecode, [abi.OwnerBytes]byte{}); err != nil {
		return err
	}
	s.recordDeploy(id, bytecode, [abi.OwnerBytes]byte{})
	return nil
}

func (s *Session) recordDeploy(id abi.ContractID, bytecode []byte, owner [abi.OwnerBytes]byte) {
	s.history = append(s.history, callOrDeploy{deploy: &deployRecord{
		id:       id,
		bytecode: append([]byte(nil), bytecode...),
		owner:    owner,
	}})
	s.vm.metrics.deploys.Inc()
}

// Query runs a read-only call against a contract. The raw argument bytes
// are handed to the named export through the argument buffer; the raw
// return bytes are copied back out.
func (s *Session) Query(module abi.ContractID, fnName string, arg []byte) ([]byte, error) {
	return s.call(callQ, module, fnName, arg)
}

// Transact runs a state-mutating call against a contract.
func (s *Session) Transact(module abi.ContractID, fnName string, arg []byte) ([]byte, error) {
	return s.call(callT, module, fnName, arg)
}

// QueryFeed runs a query during which the contract may stream bytes back
// to the host via the feed import; every fed chunk is handed to sink.
func (s *Session) QueryFeed(module abi.ContractID, fnName string, arg []byte, sink func(data []byte)) ([]byte, error) {
	s.feedSink = sink
	defer func() { s.feedSink = nil }()
	return s.call(callQ, module, fnName, arg)
}

func (s *Session) call(ty callType, module abi.ContractID, fnName string, arg []byte) ([]byte, error) {
	if s.poisoned != nil {
		return nil, s.poisoned
	}
	if len(arg) > abi.ArgbufLen {
		return nil, fmt.Errorf("%w: argument of %d bytes exceeds the argument buffer", ErrSession, len(arg))
	}

	s.vm.metrics.calls.Inc()
	return s.reExecuteUntilOk(&callRecord{
		ty:     ty,
		module: module,
		fname:  fnName,
		fdata:  append([]byte(nil), arg...),
		limit:  s.limit,
	})
}

// SetPointLimit sets the point limit for subsequent top-level calls.
func (s *Session) SetPointLimit(limit uint64) {
	s.limit = limit
}

// Spent returns the points spent by the last top-level call.
func (s *Session) Spent() uint64 {
	return s.spent
}

// Root returns the tentative state root of the session's working set over
// its base.
func (s *Session) Root() (store.Hash, error) {
	return s.moduleSession.Root()
}

// Commit hands the working set to the store, which writes a new commit and
// returns its root.
func (s *Session) Commit() (store.Hash, error) {
	if s.poisoned != nil {
		return store.Hash{}, s.poisoned
	}
	root, err := s.moduleSession.Commit()
	if err != nil {
		return store.Hash{}, fmt.Errorf("%w: %v", ErrCommit, err)
	}
	s.vm.metrics.commits.Inc()
	return root, nil
}

// TakeEvents drains the events emitted since the last call to it.
func (s *Session) TakeEvents() []Event {
	events := s.events
	s.events = nil
	return events
}

// WithDebug calls f with the debug strings contracts have registered.
func (s *Session) WithDebug(f func(debug []string)) {
	f(s.debug)
}

// SetMeta serializes value under name for contracts to look up via the hd
// import.
func (s *Session) SetMeta(name string, value interface{}) error {
	data, err := borsh.Serialize(value)
	if err != nil {
		return err
	}
	if len(data) > abi.MaxMetaSize {
		return fmt.Errorf("%w: metadata %q of %d bytes", ErrSession, name, len(data))
	}
	s.meta[name] = data
	return nil
}

// Meta returns the raw metadata bytes stored under name.
func (s *Session) Meta(name string) ([]byte, bool) {
	data, ok := s.meta[name]
	return data, ok
}

// Close releases the session's instances and its hold on the base commit.
func (s *Session) Close() {
	s.stack.clear()
	s.moduleSession.Close()
}

// reExecuteUntilOk executes the call, replaying the session until the call
// either completes or fails with only itself on the call stack.
func (s *Session) reExecuteUntilOk(call *callRecord) ([]byte, error) {
	data, _, err := s.callIfNotError(call)
	if err == nil {
		return data, nil
	}
	if s.registerFailure(err) {
		return s.finalize()
	}

	for {
		data, err = s.reExecute()
		if err == nil {
			return data, nil
		}
		if s.poisoned != nil {
			return nil, s.poisoned
		}
		if s.registerFailure(err) {
			return s.finalize()
		}
	}
}

// registerFailure records err at the innermost in-flight inter-contract
// call. It returns true when the failure was at the top frame, which
// finalizes the call as a deterministic failure.
func (s *Session) registerFailure(err error) bool {
	num := 0
	if n := len(s.iccStack); n > 0 {
		num = s.iccStack[n-1]
	}
	s.insertICCError(num, err)
	return num == 0
}

func (s *Session) insertICCError(num int, err error) {
	errs, ok := s.iccErrors[s.callCount]
	if !ok {
		errs = make(map[int]error)
		s.iccErrors[s.callCount] = errs
	}
	errs[num] = err
}

// finalize replays the whole history one last time. The failing call takes
// its recorded error without running, so the session ends up with every
// prior call applied and the failed call as a no-op.
func (s *Session) finalize() ([]byte, error) {
	return s.reExecute()
}

// callIfNotError runs the call unless a failure is already recorded for
// this position, in which case the recorded error is returned without
// executing. Either way the call enters the history.
func (s *Session) callIfNotError(call *callRecord) ([]byte, bool, error) {
	s.iccNext = 0
	s.iccStack = s.iccStack[:0]
	s.pendingErr = nil
	s.callCount++

	if err, ok := s.iccErrors[s.callCount][0]; ok {
		s.history = append(s.history, callOrDeploy{call: call})
		return nil, true, err
	}

	data, err := s.callInner(call)
	s.history = append(s.history, callOrDeploy{call: call})
	return data, false, err
}

func (s *Session) callInner(call *callRecord) ([]byte, error) {
	s.currentType = call.ty

	frame, err := s.pushCallstack(call.module, call.limit)
	if err != nil {
		return nil, err
	}
	instance := frame.instance

	argLen := instance.WriteArgument(call.fdata)

	var ret int32
	if call.ty == callT {
		ret, err = instance.Transact(call.fname, argLen, call.limit)
	} else {
		ret, err = instance.Query(call.fname, argLen, call.limit)
	}
	if err != nil {
		if s.pendingErr != nil {
			err = s.pendingErr
			s.pendingErr = nil
		}
		return nil, err
	}

	s.spent = call.limit - instance.GetRemainingPoints()
	s.stack.pop()

	if ret < 0 {
		return nil, abi.ContractErrorFromCode(ret)
	}
	return instance.ReadArgument(uint32(ret)), nil
}

// reExecute purges all derived state and replays every historical call and
// deploy in order, returning the result of the last call.
func (s *Session) reExecute() ([]byte, error) {
	s.log.Debug("re-executing session",
		zap.Int("history", len(s.history)),
	)
	s.vm.metrics.reExecutions.Inc()

	history := s.history
	s.history = make([]callOrDeploy, 0, len(history))

	s.stack.clear()
	s.debug = nil
	s.events = nil
	s.moduleSession.ClearModules()
	s.callCount = 0

	s.replaying = true
	defer func() { s.replaying = false }()

	// Only the call being retried may stream to the feed sink; historical
	// feed calls replay with their fed data dropped.
	sink := s.feedSink
	s.feedSink = nil
	defer func() { s.feedSink = sink }()

	var data []byte
	var err error

	for i, entry := range history {
		if i == len(history)-1 {
			s.feedSink = sink
		}
		if entry.deploy != nil {
			d := entry.deploy
			if derr := s.moduleSession.DeployWithID(d.id, d.bytecode, d.owner); derr != nil {
				s.poisoned = fmt.Errorf("%w: historical deploy failed: %v", ErrNonDeterministic, derr)
				return nil, s.poisoned
			}
			s.history = append(s.history, entry)
			continue
		}

		var known bool
		data, known, err = s.callIfNotError(entry.call)

		// Historical calls completed once; any fresh failure means the
		// replay diverged.
		if err != nil && !known && i < len(history)-1 {
			s.poisoned = fmt.Errorf("%w: %v", ErrNonDeterministic, err)
			return nil, s.poisoned
		}
	}

	return data, err
}

// pushCallstack pushes a frame for the contract, creating its instance on
// first touch within the session.
func (s *Session) pushCallstack(module abi.ContractID, limit uint64) (stackFrame, error) {
	if s.stack.instance(module) != nil {
		s.stack.push(module, limit)
	} else {
		instance, err := s.newInstance(module)
		if err != nil {
			return stackFrame{}, err
		}
		s.stack.pushInstance(module, limit, instance)
	}

	frame, _ := s.stack.nthFromTop(0)
	return frame, nil
}

func (s *Session) newInstance(module abi.ContractID) (*runtime.WrappedInstance, error) {
	entry, err := s.moduleSession.Module(module)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}

	wrapped, err := s.vm.getModule(module, entry.Objectcode)
	if err != nil {
		return nil, err
	}

	return runtime.NewWrappedInstance(s.vm.engine, s, module, wrapped, entry.Memory, entry.Metadata)
}

// Query serializes arg, runs a read-only call, and deserializes the result,
// both through the deterministic borsh codec.
func Query[Arg, Ret any](s *Session, module abi.ContractID, fnName string, arg Arg) (Ret, error) {
	return typedCall[Arg, Ret](s.Query, module, fnName, arg)
}

// Transact is the typed state-mutating counterpart of Query.
func Transact[Arg, Ret any](s *Session, module abi.ContractID, fnName string, arg Arg) (Ret, error) {
	return typedCall[Arg, Ret](s.Transact, module, fnName, arg)
}

func typedCall[Arg, Ret any](
	call func(abi.ContractID, string, []byte) ([]byte, error),
	module abi.ContractID,
	fnName string,
	arg Arg,
) (Ret, error) {
	var ret Ret

	data, err := borsh.Serialize(arg)
	if err != nil {
		return ret, fmt.Errorf("%w: %v", ErrPayloadValidation, err)
	}

	out, err := call(module, fnName, data)
	if err != nil {
		return ret, err
	}

	if err := borsh.Deserialize(&ret, out); err != nil {
		return ret, fmt.Errorf("%w: %v", ErrPayloadValidation, err)
	}
	return ret, nil
}

var _ runtime.SessionHandle = (*Session)(nil)

// SelfInstance returns the instance of the current top frame.
func (s *Session) SelfInstance() *runtime.WrappedInstance {
	frame, ok := s.stack.nthFromTop(0)
	if !ok {
		return nil
	}
	return frame.instance
}

// CallerID returns the id of the calling contract, or the zero id at the
// top frame.
func (s *Session) CallerID() abi.ContractID {
	frame, ok := s.stack.nthFromTop(1)
	if !ok {
		return abi.ContractID{}
	}
	return frame.id
}

// CurrentLimit returns the top frame's point limit.
func (s *Session) CurrentLimit() uint64 {
	frame, ok := s.stack.nthFromTop(0)
	if !ok {
		return 0
	}
	return frame.limit
}

// HostQuery runs a registered host query over the argument buffer.
func (s *Session) HostQuery(name string, buf []byte, argLen uint32) (uint32, bool) {
	query, ok := s.vm.hostQueries[name]
	if !ok {
		return 0, false
	}
	return query(buf, argLen), true
}

// MetaData looks up session metadata for the hd import.
func (s *Session) MetaData(name string) ([]byte, bool) {
	return s.Meta(name)
}

// PushEvent enqueues an emitted event.
func (s *Session) PushEvent(source abi.ContractID, topic string, data []byte) {
	s.events = append(s.events, Event{Source: source, Topic: topic, Data: data})
}

// PushFeed streams bytes to the feed sink. During replay of historical feed
// calls the sink is gone and fed data is dropped, keeping the contract's
// view deterministic.
func (s *Session) PushFeed(data []byte) error {
	if s.feedSink == nil {
		if s.replaying {
			return nil
		}
		return ErrFeedContext
	}
	s.feedSink(data)
	return nil
}

// RegisterDebug records a contract debug string.
func (s *Session) RegisterDebug(msg string) {
	s.debug = append(s.debug, msg)
}

// SetPendingError records the host error behind a trap so callInner can
// recover it once the engine unwinds. The first error wins.
func (s *Session) SetPendingError(err error) {
	if s.pendingErr == nil {
		s.pendingErr = err
	}
}

// InterContractCall runs a nested call on behalf of the current top
// contract. A failure recorded for this position in an earlier pass is
// delivered in-band as a negative status without running the callee; a
// fresh failure aborts the top-level call so the session can replay.
func (s *Session) InterContractCall(contract abi.ContractID, fnName string, argLen uint32, limit uint64) (int32, error) {
	s.iccNext++
	num := s.iccNext
	s.iccStack = append(s.iccStack, num)

	if err, ok := s.iccErrors[s.callCount][num]; ok {
		s.iccStack = s.iccStack[:len(s.iccStack)-1]
		return s.deliverContractError(err), nil
	}

	callerFrame, ok := s.stack.nthFromTop(0)
	if !ok {
		return 0, fmt.Errorf("%w: inter-contract call with empty stack", ErrSession)
	}
	caller := callerFrame.instance
	callerRemaining := caller.GetRemainingPoints()

	// A zero or over-budget limit gives the callee 93% of the caller's
	// remaining points; the caller reserves the rest to finalize.
	calleeLimit := limit
	if calleeLimit == 0 || calleeLimit >= callerRemaining {
		calleeLimit = callerRemaining * 93 / 100
	}

	arg := caller.ReadArgument(argLen)

	frame, err := s.pushCallstack(contract, calleeLimit)
	if err != nil {
		return 0, err
	}
	callee := frame.instance
	callee.WriteArgument(arg)

	var ret int32
	if s.currentType == callT {
		ret, err = callee.Transact(fnName, argLen, calleeLimit)
	} else {
		ret, err = callee.Query(fnName, argLen, calleeLimit)
	}
	if err != nil {
		return 0, err
	}

	spentByCallee := calleeLimit - callee.GetRemainingPoints()

	var retData []byte
	if ret >= 0 {
		retData = callee.ReadArgument(uint32(ret))
	}

	s.stack.pop()

	if retData != nil {
		caller.WriteArgument(retData)
	}
	caller.SetRemainingPoints(callerRemaining - spentByCallee)

	s.iccStack = s.iccStack[:len(s.iccStack)-1]
	return ret, nil
}

// deliverContractError encodes a recorded failure on the negative
// return-length channel.
func (s *Session) deliverContractError(err error) int32 {
	var contractErr abi.ContractError
	if errors.As(err, &contractErr) {
		return contractErr.Code
	}
	if errors.Is(err, runtime.ErrOutOfPoints) {
		return abi.OutOfGasCode
	}
	return abi.OtherCode
}
