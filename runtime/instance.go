// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package runtime

import (
	"errors"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/Saeed76a/piecrust/abi"
	"github.com/Saeed76a/piecrust/store"
)

// WrappedInstance is a live WASM instance over a contract's linear memory,
// with the argument buffer, metadata buffer and self-id offsets resolved
// from the module's exported globals.
type WrappedInstance struct {
	st       *wasmtime.Store
	instance *wasmtime.Instance
	memory   *store.Memory

	argBufOfs int
	metaOfs   int
	heapBase  int
}

// NewWrappedInstance instantiates a module against the host imports, binds
// the given memory to the instance's wasm memory (a memory that has never
// backed an instance takes the module's data segments), writes the contract's id
// into the self-id region and resolves the module's init state.
func NewWrappedInstance(
	engine *wasmtime.Engine,
	session SessionHandle,
	id abi.ContractID,
	module *WrappedModule,
	memory *store.Memory,
	metadata []byte,
) (*WrappedInstance, error) {
	st := wasmtime.NewStore(engine)
	if err := st.SetFuel(InitialPointLimit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}

	linker := wasmtime.NewLinker(engine)
	if err := defineImports(linker, session, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}

	instance, err := linker.Instantiate(st, module.module)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}

	argBufOfs, err := globalI32(instance, st, "A")
	if err != nil {
		return nil, err
	}
	metaOfs, err := globalI32(instance, st, "M")
	if err != nil {
		return nil, err
	}
	selfIDOfs, err := globalI32(instance, st, "SELF_ID")
	if err != nil {
		return nil, err
	}
	heapBase, err := globalI32(instance, st, "__heap_base")
	if err != nil {
		return nil, err
	}

	if argBufOfs+abi.ArgbufLen > abi.MemoryBytes ||
		metaOfs+abi.MetadataLen > abi.MemoryBytes ||
		selfIDOfs+abi.ContractIDBytes > abi.MemoryBytes {
		return nil, fmt.Errorf("%w: buffer offsets out of bounds", ErrValidation)
	}

	memExport := instance.GetExport(st, "memory")
	if memExport == nil || memExport.Memory() == nil {
		return nil, fmt.Errorf("%w: memory", ErrExportMissing)
	}
	wasmData := memExport.Memory().UnsafeData(st)

	// A memory that has never backed an instance still has its init state
	// Unknown; it first takes the module's data segments, which
	// instantiation wrote into the wasm memory, so binding keeps them.
	memory.WithWrite(func(data []byte) {
		if data[metaOfs] == abi.InitStateUnknown {
			copy(data, wasmData)
		}
	})

	mem := memory.Clone()
	if err := mem.Bind(wasmData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemorySetup, err)
	}

	initExists := instance.GetFunc(st, "init") != nil

	mem.WithWrite(func(data []byte) {
		copy(data[selfIDOfs:selfIDOfs+abi.ContractIDBytes], id[:])

		if data[metaOfs] == abi.InitStateUnknown {
			copy(data[metaOfs:metaOfs+len(metadata)], metadata)
			if initExists {
				data[metaOfs] = abi.InitStateRequired
			} else {
				data[metaOfs] = abi.InitStateDone
			}
		}
	})

	return &WrappedInstance{
		st:        st,
		instance:  instance,
		memory:    mem,
		argBufOfs: argBufOfs,
		metaOfs:   metaOfs,
		heapBase:  heapBase,
	}, nil
}

func globalI32(instance *wasmtime.Instance, st *wasmtime.Store, name string) (int, error) {
	export := instance.GetExport(st, name)
	if export == nil || export.Global() == nil {
		return 0, fmt.Errorf("%w: %s", ErrExportMissing, name)
	}
	return int(export.Global().Get(st).I32()), nil
}

// Query sets the remaining points to limit and invokes the named export
// with the argument length. On a runtime failure with zero points left the
// error is OutOfPoints.
func (w *WrappedInstance) Query(fnName string, argLen uint32, limit uint64) (int32, error) {
	return w.call(fnName, argLen, limit)
}

// Transact is Query with init gating: calls other than init require the
// init state Done, init itself requires Required and flips to Done on
// success.
func (w *WrappedInstance) Transact(fnName string, argLen uint32, limit uint64) (int32, error) {
	if fnName == "init" {
		if w.InitState() != abi.InitStateRequired {
			return 0, fmt.Errorf("%w: init state does not allow initialization", ErrInitialization)
		}
		ret, err := w.call(fnName, argLen, limit)
		if err == nil {
			w.SetInitialized()
		}
		return ret, err
	}

	if w.InitState() != abi.InitStateDone {
		return 0, fmt.Errorf("%w: contract requires initialization", ErrInitialization)
	}
	return w.call(fnName, argLen, limit)
}

func (w *WrappedInstance) call(fnName string, argLen uint32, limit uint64) (int32, error) {
	fn := w.instance.GetFunc(w.st, fnName)
	if fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrExportMissing, fnName)
	}

	w.SetRemainingPoints(limit)
	res, err := fn.Call(w.st, int32(argLen))
	if err != nil {
		return 0, w.mapCallError(err)
	}

	ret, ok := res.(int32)
	if !ok {
		return 0, fmt.Errorf("%w: %s must return i32", ErrRuntime, fnName)
	}
	return ret, nil
}

// mapCallError distinguishes metering exhaustion from other traps, by trap
// code and by probing remaining points. An exhausted instance is left with
// zero points.
func (w *WrappedInstance) mapCallError(err error) error {
	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		if code := trap.Code(); code != nil && *code == wasmtime.OutOfFuel {
			w.SetRemainingPoints(0)
			return ErrOutOfPoints
		}
	}
	if w.GetRemainingPoints() == 0 {
		return ErrOutOfPoints
	}
	return fmt.Errorf("%w: %v", ErrRuntime, err)
}

// SetRemainingPoints sets the instance's fuel.
func (w *WrappedInstance) SetRemainingPoints(points uint64) {
	_ = w.st.SetFuel(points)
}

// GetRemainingPoints returns the instance's fuel, zero when exhausted.
func (w *WrappedInstance) GetRemainingPoints() uint64 {
	remaining, err := w.st.GetFuel()
	if err != nil {
		return 0
	}
	return remaining
}

// WithArgBuf calls f with a write view of the argument buffer.
func (w *WrappedInstance) WithArgBuf(f func(buf []byte)) {
	w.memory.WithWrite(func(data []byte) {
		f(data[w.argBufOfs : w.argBufOfs+abi.ArgbufLen])
	})
}

// WithMetaBuf calls f with a write view of the metadata buffer.
func (w *WrappedInstance) WithMetaBuf(f func(buf []byte)) {
	w.memory.WithWrite(func(data []byte) {
		f(data[w.metaOfs : w.metaOfs+abi.MetadataLen])
	})
}

// WriteArgument copies arg to the start of the argument buffer.
func (w *WrappedInstance) WriteArgument(arg []byte) uint32 {
	w.WithArgBuf(func(buf []byte) {
		copy(buf[:len(arg)], arg)
	})
	return uint32(len(arg))
}

// ReadArgument copies length bytes out of the argument buffer.
func (w *WrappedInstance) ReadArgument(length uint32) []byte {
	out := make([]byte, length)
	w.WithArgBuf(func(buf []byte) {
		copy(out, buf[:length])
	})
	return out
}

// ReadMemoryString reads a contract-provided string out of linear memory.
// Out-of-bounds reads fail rather than truncate.
func (w *WrappedInstance) ReadMemoryString(ofs, length uint32) (string, error) {
	var s string
	var err error
	w.memory.WithRead(func(data []byte) {
		if int(ofs)+int(length) > len(data) {
			err = fmt.Errorf("%w: string read out of bounds", ErrRuntime)
			return
		}
		s = string(data[ofs : ofs+length])
	})
	return s, err
}

// ReadMemory reads length bytes at ofs out of linear memory.
func (w *WrappedInstance) ReadMemory(ofs, length uint32) ([]byte, error) {
	var out []byte
	var err error
	w.memory.WithRead(func(data []byte) {
		if int(ofs)+int(length) > len(data) {
			err = fmt.Errorf("%w: memory read out of bounds", ErrRuntime)
			return
		}
		out = make([]byte, length)
		copy(out, data[ofs:ofs+length])
	})
	return out, err
}

// InitState returns the contract's init-state flag.
func (w *WrappedInstance) InitState() byte {
	var state byte
	w.WithMetaBuf(func(buf []byte) {
		state = buf[0]
	})
	return state
}

// SetInitialized marks the contract ready for transacts.
func (w *WrappedInstance) SetInitialized() {
	w.WithMetaBuf(func(buf []byte) {
		buf[0] = abi.InitStateDone
	})
}

// Owner returns the contract owner recorded in the metadata buffer.
func (w *WrappedInstance) Owner() [abi.OwnerBytes]byte {
	var owner [abi.OwnerBytes]byte
	w.WithMetaBuf(func(buf []byte) {
		copy(owner[:], buf[1:1+abi.OwnerBytes])
	})
	return owner
}

// Close detaches the linear memory from the instance and releases the
// engine store. The memory handle stays valid.
func (w *WrappedInstance) Close() {
	w.memory.Unbind()
	w.st.Close()
}
