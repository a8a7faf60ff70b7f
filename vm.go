// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust

import (
	"os"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/bytecodealliance/wasmtime-go/v25"
	"go.uber.org/zap"

	"github.com/Saeed76a/piecrust/abi"
	"github.com/Saeed76a/piecrust/runtime"
	"github.com/Saeed76a/piecrust/store"
)

// HostQuery is code the host exposes to contracts under a name. It operates
// in place on the current argument buffer and returns the new argument
// length.
//
// Host queries must be pure with respect to the buffer contents: the
// session's re-execution protocol replays calls assuming identical results
// for identical inputs, and an impure query breaks atomicity.
type HostQuery func(buf []byte, argLen uint32) uint32

// HostQueries is the registry of host queries by name.
type HostQueries map[string]HostQuery

// VM owns the module store and the host-query registry, and hands out
// sessions.
type VM struct {
	log     logging.Logger
	engine  *wasmtime.Engine
	store   *store.ModuleStore
	limits  runtime.ResourceLimits
	metrics *metrics

	hostQueries HostQueries
	moduleCache cache.Cacher[string, *runtime.WrappedModule]

	rootDir   string
	ephemeral bool
}

// NewVM opens (or creates) a VM over the configured root directory.
func NewVM(cfg Config) (*VM, error) {
	engine := runtime.NewEngine()

	vm := &VM{
		log:         cfg.Log,
		engine:      engine,
		limits:      cfg.Limits,
		metrics:     newMetrics(cfg.Registerer),
		hostQueries: make(HostQueries),
		moduleCache: cache.NewSizedLRU(cfg.ModuleCacheSize, func(id string, mod *runtime.WrappedModule) int {
			return len(id) + len(mod.AsBytes())
		}),
		rootDir: cfg.RootDir,
	}

	moduleStore, err := store.NewModuleStore(cfg.RootDir, cfg.Log, vm.compile)
	if err != nil {
		return nil, err
	}
	vm.store = moduleStore

	return vm, nil
}

// Ephemeral constructs a VM over a temporary directory, removed on Close.
func Ephemeral() (*VM, error) {
	dir, err := os.MkdirTemp("", "piecrust-*")
	if err != nil {
		return nil, err
	}

	vm, err := NewVM(NewConfig(dir))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	vm.ephemeral = true
	return vm, nil
}

// RegisterHostQuery makes a host query visible to all sessions. The query
// must be pure; see HostQuery.
func (vm *VM) RegisterHostQuery(name string, query HostQuery) {
	vm.log.Debug("registering host query",
		zap.String("name", name),
	)
	vm.hostQueries[name] = query
}

// Session spawns a session based on the given commit, holding it against
// deletion until the session closes.
func (vm *VM) Session(base store.Hash) (*Session, error) {
	moduleSession, err := vm.store.Session(base)
	if err != nil {
		return nil, err
	}
	return newSession(vm, moduleSession), nil
}

// GenesisSession spawns a session with no base commit.
func (vm *VM) GenesisSession() *Session {
	return newSession(vm, vm.store.GenesisSession())
}

// Commits lists the roots currently in the store.
func (vm *VM) Commits() []store.Hash {
	return vm.store.Commits()
}

// DeleteCommit removes a commit, blocking while sessions hold it.
func (vm *VM) DeleteCommit(commit store.Hash) error {
	return vm.store.DeleteCommit(commit)
}

// SquashCommit rewrites a commit's diffed memories as full images.
func (vm *VM) SquashCommit(commit store.Hash) error {
	return vm.store.SquashCommit(commit)
}

// RootDir returns the VM's store directory.
func (vm *VM) RootDir() string {
	return vm.rootDir
}

// Close stops the store. An ephemeral VM's directory is removed.
func (vm *VM) Close() error {
	vm.store.Close()
	if vm.ephemeral {
		return os.RemoveAll(vm.rootDir)
	}
	return nil
}

// compile is the store's bytecode compiler: modules are validated and
// compiled at deploy time and their objectcode cached on disk.
func (vm *VM) compile(bytecode []byte) (store.Objectcode, error) {
	module, err := runtime.NewWrappedModule(vm.engine, vm.limits, bytecode)
	if err != nil {
		return nil, err
	}
	vm.moduleCache.Put(abi.NewContractID(bytecode).Hex(), module)
	return module.AsBytes(), nil
}

// getModule rehydrates a module from objectcode, through the sized LRU
// cache.
func (vm *VM) getModule(id abi.ContractID, objectcode store.Objectcode) (*runtime.WrappedModule, error) {
	if module, ok := vm.moduleCache.Get(id.Hex()); ok {
		return module, nil
	}

	module, err := runtime.ModuleFromObjectcode(vm.engine, objectcode)
	if err != nil {
		return nil, err
	}
	vm.moduleCache.Put(id.Hex(), module)
	return module, nil
}
