// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/near/borsh-go"
	"lukechampine.com/blake3"

	"github.com/Saeed76a/piecrust/abi"
)

// Hash is a blake3 digest. Commit roots, memory hashes and merkle nodes all
// use it.
type Hash [32]byte

// Hex returns the lowercase hex encoding used for commit directory names.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// HashFromHex parses a commit directory name back into a Hash.
func HashFromHex(s string) (Hash, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(Hash{}) {
		return Hash{}, false
	}
	var h Hash
	copy(h[:], b)
	return h, true
}

// Hasher accumulates bytes into a blake3 digest.
type Hasher struct {
	inner *blake3.Hasher
}

// NewHasher returns a Hasher producing 32-byte digests.
func NewHasher() Hasher {
	return Hasher{inner: blake3.New(32, nil)}
}

func (h Hasher) Update(data []byte) {
	// blake3's Write never errors.
	_, _ = h.inner.Write(data)
}

func (h Hasher) Finalize() Hash {
	var out Hash
	copy(out[:], h.inner.Sum(nil))
	return out
}

// positionFromContract derives a contract's leaf position from its id.
func positionFromContract(id abi.ContractID) uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

// Domain-separation prefixes for merkle hashing.
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// Tree is the merkle tree over contract memory hashes, keyed by the
// position derived from each contract id. Its root is a commit's identity.
type Tree struct {
	leaves map[uint64]Hash
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{leaves: make(map[uint64]Hash)}
}

// Insert sets the leaf at the given position, replacing any previous value.
func (t *Tree) Insert(pos uint64, hash Hash) {
	t.leaves[pos] = hash
}

// Clone returns an independent copy of the tree.
func (t *Tree) Clone() *Tree {
	leaves := make(map[uint64]Hash, len(t.leaves))
	for pos, h := range t.leaves {
		leaves[pos] = h
	}
	return &Tree{leaves: leaves}
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Root computes the tree root. Leaves are hashed with their position and
// folded pairwise in position order; an empty tree has the zero root.
func (t *Tree) Root() Hash {
	if len(t.leaves) == 0 {
		return Hash{}
	}

	positions := make([]uint64, 0, len(t.leaves))
	for pos := range t.leaves {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	nodes := make([]Hash, 0, len(positions))
	var posBytes [8]byte
	for _, pos := range positions {
		leaf := t.leaves[pos]
		binary.LittleEndian.PutUint64(posBytes[:], pos)

		h := NewHasher()
		h.Update([]byte{leafPrefix})
		h.Update(posBytes[:])
		h.Update(leaf[:])
		nodes = append(nodes, h.Finalize())
	}

	for len(nodes) > 1 {
		next := make([]Hash, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}

			h := NewHasher()
			h.Update([]byte{nodePrefix})
			h.Update(left[:])
			h.Update(right[:])
			next = append(next, h.Finalize())
		}
		nodes = next
	}

	return nodes[0]
}

// treeFile is the serialized form of a Tree: leaves in position order.
type treeFile struct {
	Positions []uint64
	Hashes    []Hash
}

// Serialize encodes the tree for the commit's merkle file.
func (t *Tree) Serialize() ([]byte, error) {
	positions := make([]uint64, 0, len(t.leaves))
	for pos := range t.leaves {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	file := treeFile{
		Positions: positions,
		Hashes:    make([]Hash, 0, len(positions)),
	}
	for _, pos := range positions {
		file.Hashes = append(file.Hashes, t.leaves[pos])
	}

	return borsh.Serialize(file)
}

// TreeFromBytes decodes a merkle file.
func TreeFromBytes(data []byte) (*Tree, error) {
	var file treeFile
	if err := borsh.Deserialize(&file, data); err != nil {
		return nil, err
	}
	if len(file.Positions) != len(file.Hashes) {
		return nil, errCorruptTree
	}

	tree := NewTree()
	for i, pos := range file.Positions {
		tree.leaves[pos] = file.Hashes[i]
	}
	return tree, nil
}
