// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust

import (
	"github.com/Saeed76a/piecrust/abi"
	"github.com/Saeed76a/piecrust/runtime"
)

// stackFrame binds a contract to its instance and point limit for the
// duration of one call.
type stackFrame struct {
	id       abi.ContractID
	limit    uint64
	instance *runtime.WrappedInstance
}

// callStack is the ordered sequence of active frames plus an index of
// instances by contract id. An instance is shared across all frames of the
// same contract within one call tree, so recursive inter-contract calls
// reuse memory; the index outlives pops so instances persist for the
// session.
type callStack struct {
	frames    []stackFrame
	instances map[abi.ContractID]*runtime.WrappedInstance
}

func newCallStack() *callStack {
	return &callStack{
		instances: make(map[abi.ContractID]*runtime.WrappedInstance),
	}
}

// instance returns the session's instance for a contract, if one exists.
func (s *callStack) instance(id abi.ContractID) *runtime.WrappedInstance {
	return s.instances[id]
}

// push adds a frame reusing the contract's existing instance.
func (s *callStack) push(id abi.ContractID, limit uint64) {
	s.frames = append(s.frames, stackFrame{
		id:       id,
		limit:    limit,
		instance: s.instances[id],
	})
}

// pushInstance adds a frame with a newly created instance.
func (s *callStack) pushInstance(id abi.ContractID, limit uint64, instance *runtime.WrappedInstance) {
	s.instances[id] = instance
	s.frames = append(s.frames, stackFrame{id: id, limit: limit, instance: instance})
}

func (s *callStack) pop() {
	s.frames = s.frames[:len(s.frames)-1]
}

// nthFromTop returns the frame n positions below the top.
func (s *callStack) nthFromTop(n int) (stackFrame, bool) {
	if n >= len(s.frames) {
		return stackFrame{}, false
	}
	return s.frames[len(s.frames)-1-n], true
}

func (s *callStack) depth() int {
	return len(s.frames)
}

// clear drops all frames and closes every instance.
func (s *callStack) clear() {
	for _, instance := range s.instances {
		instance.Close()
	}
	s.frames = s.frames[:0]
	s.instances = make(map[abi.ContractID]*runtime.WrappedInstance)
}
