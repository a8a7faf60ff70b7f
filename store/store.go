// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists contract commits: rooted snapshots of every
// contract's linear memory, identified by a merkle root over per-contract
// memory hashes. A single synchronization goroutine owns all disk mutations
// and arbitrates between live sessions and commit deletion or squashing.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/near/borsh-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Saeed76a/piecrust/abi"
)

const (
	bytecodeDir   = "bytecode"
	memoryDir     = "memory"
	diffExt       = "diff"
	indexFileName = "index"
	treeFileName  = "merkle"
	objectcodeExt = "a"
	metadataExt   = "m"
)

var (
	// ErrModuleExists is returned when deploying an id already present in
	// the base commit or the working set.
	ErrModuleExists = errors.New("module already deployed")

	// ErrAlreadyCommitted is returned when a module session commits twice.
	ErrAlreadyCommitted = errors.New("module session already committed")

	// ErrNoSuchCommit is returned when a requested base commit is unknown.
	ErrNoSuchCommit = errors.New("no such commit")

	errCorruptTree = errors.New("corrupt merkle tree file")
)

// Commit is an immutable snapshot: the contract-to-memory-hash index, the
// set of contracts whose memory is stored as a diff against the parent, and
// the merkle tree whose root identifies the commit.
type Commit struct {
	modules map[abi.ContractID]Hash
	diffs   map[abi.ContractID]bool
	tree    *Tree
}

// Root returns the commit's identity.
func (c *Commit) Root() Hash {
	return c.tree.Root()
}

// Modules returns the contract ids present in the commit.
func (c *Commit) Modules() []abi.ContractID {
	ids := make([]abi.ContractID, 0, len(c.modules))
	for id := range c.modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

func (c *Commit) clone() *Commit {
	modules := make(map[abi.ContractID]Hash, len(c.modules))
	for id, h := range c.modules {
		modules[id] = h
	}
	diffs := make(map[abi.ContractID]bool, len(c.diffs))
	for id := range c.diffs {
		diffs[id] = true
	}
	return &Commit{modules: modules, diffs: diffs, tree: c.tree.Clone()}
}

// Messages processed by the sync loop. Replies are best-effort: a dropped
// replier never blocks or panics the loop, since every reply channel is
// buffered.

type storeCall interface{ isStoreCall() }

type commitResult struct {
	commit *Commit
	err    error
}

type callCommit struct {
	modules map[abi.ContractID]*ModuleDataEntry
	base    *Commit
	replier chan<- commitResult
}

type callGetCommits struct {
	replier chan<- []Hash
}

type callCommitHold struct {
	base    Hash
	replier chan<- *Commit
}

type callSessionDrop struct {
	base Hash
}

type callCommitDelete struct {
	commit  Hash
	replier chan<- error
}

type squashResult struct {
	found bool
	err   error
}

type callCommitSquash struct {
	commit  Hash
	replier chan<- squashResult
}

func (callCommit) isStoreCall()       {}
func (callGetCommits) isStoreCall()   {}
func (callCommitHold) isStoreCall()   {}
func (callSessionDrop) isStoreCall()  {}
func (callCommitDelete) isStoreCall() {}
func (callCommitSquash) isStoreCall() {}

// ModuleStore keeps all module commits under a root directory. All disk
// mutation goes through its synchronization goroutine, so commits cannot be
// deleted or squashed while a session uses them as a base.
type ModuleStore struct {
	log     logging.Logger
	call    chan storeCall
	done    chan struct{}
	rootDir string
	compile CompileFunc
}

// NewModuleStore loads the store at dir, refusing corrupt commit
// directories, and starts the synchronization loop.
func NewModuleStore(dir string, log logging.Logger, compile CompileFunc) (*ModuleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	commits, err := readAllCommits(dir)
	if err != nil {
		return nil, err
	}

	s := &ModuleStore{
		log:     log,
		call:    make(chan storeCall),
		done:    make(chan struct{}),
		rootDir: dir,
		compile: compile,
	}

	log.Debug("starting store sync loop",
		zap.String("dir", dir),
		zap.Int("commits", len(commits)),
	)
	go s.syncLoop(commits)

	return s, nil
}

// RootDir returns the store's root directory.
func (s *ModuleStore) RootDir() string {
	return s.rootDir
}

// Session creates a module session based on the given commit, holding it
// against deletion until the session closes.
func (s *ModuleStore) Session(base Hash) (*ModuleSession, error) {
	replier := make(chan *Commit, 1)
	s.call <- callCommitHold{base: base, replier: replier}
	commit := <-replier
	if commit == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchCommit, base)
	}
	return newModuleSession(s.rootDir, commit, s.call, s.compile), nil
}

// GenesisSession creates a module session with no base commit.
func (s *ModuleStore) GenesisSession() *ModuleSession {
	return newModuleSession(s.rootDir, nil, s.call, s.compile)
}

// Commits lists the roots currently in the store.
func (s *ModuleStore) Commits() []Hash {
	replier := make(chan []Hash, 1)
	s.call <- callGetCommits{replier: replier}
	return <-replier
}

// DeleteCommit removes a commit from the store. If the commit is held by a
// session the deletion is queued and this call blocks until the last
// holding session drops.
func (s *ModuleStore) DeleteCommit(commit Hash) error {
	replier := make(chan error, 1)
	s.call <- callCommitDelete{commit: commit, replier: replier}
	return <-replier
}

// SquashCommit rewrites every diffed memory of a commit as a full image,
// removing the diff files. Queued behind live sessions like DeleteCommit.
func (s *ModuleStore) SquashCommit(commit Hash) error {
	replier := make(chan squashResult, 1)
	s.call <- callCommitSquash{commit: commit, replier: replier}
	res := <-replier
	if !res.found {
		return fmt.Errorf("%w: %s", ErrNoSuchCommit, commit)
	}
	return res.err
}

// Close stops the synchronization loop. The store must not be used after.
func (s *ModuleStore) Close() {
	close(s.call)
	<-s.done
}

func (s *ModuleStore) syncLoop(commits map[Hash]*Commit) {
	defer close(s.done)

	// Hold counts per base commit, and the operations queued behind them.
	sessions := make(map[Hash]int)
	deleteBag := make(map[Hash][]chan<- error)
	squashBag := make(map[Hash][]chan<- squashResult)

	for call := range s.call {
		switch call := call.(type) {
		case callCommit:
			commit, err := writeCommit(s.rootDir, commits, call.base, call.modules)
			if err != nil {
				s.log.Error("commit failed", zap.Error(err))
			} else {
				s.log.Debug("commit written", zap.Stringer("root", commit.Root()))
			}
			call.replier <- commitResult{commit: commit, err: err}

		case callGetCommits:
			roots := make([]Hash, 0, len(commits))
			for root := range commits {
				roots = append(roots, root)
			}
			sort.Slice(roots, func(i, j int) bool {
				return bytes.Compare(roots[i][:], roots[j][:]) < 0
			})
			call.replier <- roots

		case callCommitHold:
			commit, ok := commits[call.base]
			if !ok {
				call.replier <- nil
				continue
			}
			sessions[call.base]++
			call.replier <- commit.clone()

		case callSessionDrop:
			sessions[call.base]--
			if sessions[call.base] > 0 {
				continue
			}
			delete(sessions, call.base)

			// Deletions queued behind this commit run first, then squashes.
			for _, replier := range deleteBag[call.base] {
				err := deleteCommitDir(s.rootDir, call.base)
				delete(commits, call.base)
				replier <- err
			}
			delete(deleteBag, call.base)

			for _, replier := range squashBag[call.base] {
				commit, ok := commits[call.base]
				if !ok {
					replier <- squashResult{found: false}
					continue
				}
				err := squashCommit(s.rootDir, call.base, commit)
				commit.diffs = make(map[abi.ContractID]bool)
				replier <- squashResult{found: true, err: err}
			}
			delete(squashBag, call.base)

		case callCommitDelete:
			if sessions[call.commit] > 0 {
				s.log.Debug("delete queued behind live sessions",
					zap.Stringer("root", call.commit),
				)
				deleteBag[call.commit] = append(deleteBag[call.commit], call.replier)
				continue
			}
			err := deleteCommitDir(s.rootDir, call.commit)
			delete(commits, call.commit)
			call.replier <- err

		case callCommitSquash:
			commit, ok := commits[call.commit]
			if !ok {
				call.replier <- squashResult{found: false}
				continue
			}
			if sessions[call.commit] > 0 {
				s.log.Debug("squash queued behind live sessions",
					zap.Stringer("root", call.commit),
				)
				squashBag[call.commit] = append(squashBag[call.commit], call.replier)
				continue
			}
			err := squashCommit(s.rootDir, call.commit, commit)
			commit.diffs = make(map[abi.ContractID]bool)
			call.replier <- squashResult{found: true, err: err}
		}
	}
}

// computeTree derives the new index and tree from the base commit and the
// changed modules. Changed memories are hashed concurrently.
func computeTree(base *Commit, modules map[abi.ContractID]*ModuleDataEntry) (map[abi.ContractID]Hash, *Tree, error) {
	tree := NewTree()
	if base != nil {
		tree = base.tree.Clone()
	}

	ids := make([]abi.ContractID, 0, len(modules))
	for id := range modules {
		ids = append(ids, id)
	}

	hashes := make([]Hash, len(ids))
	var eg errgroup.Group
	for i, id := range ids {
		i, entry := i, modules[id]
		eg.Go(func() error {
			entry.Memory.WithRead(func(data []byte) {
				hasher := NewHasher()
				hasher.Update(data)
				hashes[i] = hasher.Finalize()
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	leaves := make(map[abi.ContractID]Hash, len(ids))
	for i, id := range ids {
		tree.Insert(positionFromContract(id), hashes[i])
		leaves[id] = hashes[i]
	}

	// Unchanged base modules keep their hashes.
	if base != nil {
		for id, hash := range base.modules {
			if _, ok := leaves[id]; !ok {
				leaves[id] = hash
			}
		}
	}

	return leaves, tree, nil
}

// writeCommit writes a commit directory for the given working set, removing
// the partial directory on any error. A commit whose root already exists is
// returned as-is.
func writeCommit(rootDir string, commits map[Hash]*Commit, base *Commit, modules map[abi.ContractID]*ModuleDataEntry) (*Commit, error) {
	leaves, tree, err := computeTree(base, modules)
	if err != nil {
		return nil, err
	}

	root := tree.Root()
	commitDir := filepath.Join(rootDir, root.Hex())

	if commit, ok := commits[root]; ok {
		return commit.clone(), nil
	}

	commit, err := writeCommitInner(rootDir, commitDir, tree, base, leaves, modules)
	if err != nil {
		_ = os.RemoveAll(commitDir)
		return nil, err
	}

	commits[root] = commit
	return commit.clone(), nil
}

func writeCommitInner(rootDir, commitDir string, tree *Tree, base *Commit, leaves map[abi.ContractID]Hash, modules map[abi.ContractID]*ModuleDataEntry) (*Commit, error) {
	commitBytecodeDir := filepath.Join(commitDir, bytecodeDir)
	if err := os.MkdirAll(commitBytecodeDir, 0o755); err != nil {
		return nil, err
	}
	commitMemoryDir := filepath.Join(commitDir, memoryDir)
	if err := os.MkdirAll(commitMemoryDir, 0o755); err != nil {
		return nil, err
	}

	diffs := make(map[abi.ContractID]bool)

	if base != nil {
		baseDir := filepath.Join(rootDir, base.tree.Root().Hex())
		baseBytecodeDir := filepath.Join(baseDir, bytecodeDir)
		baseMemoryDir := filepath.Join(baseDir, memoryDir)

		// Unchanged base artifacts are hard-linked: identical immutable
		// files share disk blocks across commits.
		for id := range base.modules {
			idHex := id.Hex()

			bytecodePath := filepath.Join(commitBytecodeDir, idHex)
			baseBytecodePath := filepath.Join(baseBytecodeDir, idHex)
			if err := os.Link(baseBytecodePath, bytecodePath); err != nil {
				return nil, err
			}
			if err := os.Link(baseBytecodePath+"."+objectcodeExt, bytecodePath+"."+objectcodeExt); err != nil {
				return nil, err
			}
			if err := os.Link(baseBytecodePath+"."+metadataExt, bytecodePath+"."+metadataExt); err != nil {
				return nil, err
			}

			memoryPath := filepath.Join(commitMemoryDir, idHex)
			baseMemoryPath := filepath.Join(baseMemoryDir, idHex)
			if err := os.Link(baseMemoryPath, memoryPath); err != nil {
				return nil, err
			}

			// An untouched diff carries over as well.
			if base.diffs[id] {
				if _, changed := modules[id]; !changed {
					if err := os.Link(baseMemoryPath+"."+diffExt, memoryPath+"."+diffExt); err != nil {
						return nil, err
					}
					diffs[id] = true
				}
			}
		}
	}

	for id, entry := range modules {
		idHex := id.Hex()

		inBase := false
		if base != nil {
			_, inBase = base.modules[id]
		}

		if inBase {
			// A changed base module is stored as a compressed diff against
			// the base memory image.
			baseMemoryPath := filepath.Join(rootDir, base.tree.Root().Hex(), memoryDir, idHex)
			baseMemory, err := MemoryFromFile(baseMemoryPath)
			if err != nil {
				return nil, err
			}

			diffPath := filepath.Join(commitMemoryDir, idHex) + "." + diffExt
			diffFile, err := os.Create(diffPath)
			if err != nil {
				return nil, err
			}

			entry.Memory.WithRead(func(data []byte) {
				baseMemory.WithRead(func(baseData []byte) {
					err = writeDiff(baseData, data, diffFile)
				})
			})
			if closeErr := diffFile.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return nil, err
			}

			diffs[id] = true
			continue
		}

		// Newly deployed modules are written in full.
		bytecodePath := filepath.Join(commitBytecodeDir, idHex)
		if err := os.WriteFile(bytecodePath, entry.Bytecode, 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(bytecodePath+"."+objectcodeExt, entry.Objectcode, 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(bytecodePath+"."+metadataExt, entry.Metadata, 0o644); err != nil {
			return nil, err
		}

		var writeErr error
		entry.Memory.WithRead(func(data []byte) {
			writeErr = os.WriteFile(filepath.Join(commitMemoryDir, idHex), data, 0o644)
		})
		if writeErr != nil {
			return nil, writeErr
		}
	}

	indexBytes, err := serializeIndex(leaves)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(commitDir, indexFileName), indexBytes, 0o644); err != nil {
		return nil, err
	}

	treeBytes, err := tree.Serialize()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(commitDir, treeFileName), treeBytes, 0o644); err != nil {
		return nil, err
	}

	return &Commit{modules: leaves, diffs: diffs, tree: tree}, nil
}

func deleteCommitDir(rootDir string, root Hash) error {
	return os.RemoveAll(filepath.Join(rootDir, root.Hex()))
}

// squashCommit rewrites every diffed memory by applying its diff to the
// linked base image and storing the full result.
func squashCommit(rootDir string, root Hash, commit *Commit) error {
	commitMemoryDir := filepath.Join(rootDir, root.Hex(), memoryDir)

	for id := range commit.diffs {
		memoryPath := filepath.Join(commitMemoryDir, id.Hex())
		diffPath := memoryPath + "." + diffExt

		memory, err := MemoryFromFileAndDiff(memoryPath, diffPath)
		if err != nil {
			return err
		}

		// Remove before rewriting: the memory file is hard-linked into the
		// base commit and must not be mutated in place.
		if err := os.Remove(memoryPath); err != nil {
			return err
		}
		if err := os.Remove(diffPath); err != nil {
			return err
		}

		var writeErr error
		memory.WithRead(func(data []byte) {
			writeErr = os.WriteFile(memoryPath, data, 0o644)
		})
		if writeErr != nil {
			return writeErr
		}
	}

	return nil
}

// indexFile is the serialized form of the contract-to-memory-hash mapping,
// in id order.
type indexFile struct {
	IDs    []abi.ContractID
	Hashes []Hash
}

func serializeIndex(modules map[abi.ContractID]Hash) ([]byte, error) {
	ids := make([]abi.ContractID, 0, len(modules))
	for id := range modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	file := indexFile{IDs: ids, Hashes: make([]Hash, 0, len(ids))}
	for _, id := range ids {
		file.Hashes = append(file.Hashes, modules[id])
	}
	return borsh.Serialize(file)
}

func indexFromBytes(data []byte) (map[abi.ContractID]Hash, error) {
	var file indexFile
	if err := borsh.Deserialize(&file, data); err != nil {
		return nil, err
	}
	if len(file.IDs) != len(file.Hashes) {
		return nil, errors.New("corrupt index file")
	}

	modules := make(map[abi.ContractID]Hash, len(file.IDs))
	for i, id := range file.IDs {
		modules[id] = file.Hashes[i]
	}
	return modules, nil
}

func readAllCommits(rootDir string) (map[Hash]*Commit, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil, err
	}

	commits := make(map[Hash]*Commit)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := HashFromHex(entry.Name()); !ok {
			continue
		}

		commit, err := commitFromDir(filepath.Join(rootDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("invalid commit %q: %w", entry.Name(), err)
		}
		commits[commit.tree.Root()] = commit
	}

	return commits, nil
}

// commitFromDir loads a commit, verifying that every indexed module has its
// bytecode and memory on disk. Partial directories are refused.
func commitFromDir(dir string) (*Commit, error) {
	indexBytes, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, err
	}
	modules, err := indexFromBytes(indexBytes)
	if err != nil {
		return nil, err
	}

	treeBytes, err := os.ReadFile(filepath.Join(dir, treeFileName))
	if err != nil {
		return nil, err
	}
	tree, err := TreeFromBytes(treeBytes)
	if err != nil {
		return nil, err
	}

	diffs := make(map[abi.ContractID]bool)
	for id := range modules {
		idHex := id.Hex()

		if !isFile(filepath.Join(dir, bytecodeDir, idHex)) {
			return nil, fmt.Errorf("missing bytecode for module %s", idHex)
		}
		memoryPath := filepath.Join(dir, memoryDir, idHex)
		if !isFile(memoryPath) {
			return nil, fmt.Errorf("missing memory for module %s", idHex)
		}
		if isFile(memoryPath + "." + diffExt) {
			diffs[id] = true
		}
	}

	return &Commit{modules: modules, diffs: diffs, tree: tree}, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
