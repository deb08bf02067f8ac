// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package merkle

import "fmt"

// Tree is a complete Merkle tree over a 2^log2RootSize-byte address
// space with 2^log2LeafSize-byte leaves, filled left to right by Push.
// Leaves that have not been pushed hash as pristine (all-zero) data.
//
// Only the filled part of each level is materialized; the right edge
// of every level is recomputed on each Push, so RootHash and Proof are
// cheap at any intermediate size. Tree is not safe for concurrent use.
type Tree struct {
	log2RootSize int
	log2LeafSize int

	// levels[i] holds the filled nodes of size 2^(log2LeafSize+i).
	// levels[0] are the pushed leaves.
	levels [][]Hash

	// pristine[i] is the hash of a fully pristine subtree of size
	// 2^(log2LeafSize+i).
	pristine []Hash
}

// NewTree creates an empty tree. log2LeafSize must be at least 5 (a
// 32-byte hash word) and strictly smaller than log2RootSize, which is
// capped at 64.
func NewTree(log2RootSize, log2LeafSize int) (*Tree, error) {
	if log2LeafSize < 5 || log2LeafSize >= log2RootSize || log2RootSize > 64 {
		return nil, fmt.Errorf("merkle: invalid tree geometry (root 2^%d, leaf 2^%d)",
			log2RootSize, log2LeafSize)
	}
	depth := log2RootSize - log2LeafSize

	pristine := make([]Hash, depth+1)
	pristine[0] = HashData(make([]byte, 1<<log2LeafSize))
	for i := 1; i <= depth; i++ {
		pristine[i] = HashPair(pristine[i-1], pristine[i-1])
	}

	levels := make([][]Hash, depth+1)
	return &Tree{
		log2RootSize: log2RootSize,
		log2LeafSize: log2LeafSize,
		levels:       levels,
		pristine:     pristine,
	}, nil
}

// Size returns the number of leaves pushed so far.
func (t *Tree) Size() uint64 {
	return uint64(len(t.levels[0]))
}

// capacity returns the maximum number of leaves the tree can hold.
func (t *Tree) capacity() uint64 {
	depth := t.log2RootSize - t.log2LeafSize
	if depth >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << depth
}

// Push appends a leaf hash and updates the right edge of every level.
func (t *Tree) Push(leaf Hash) error {
	if t.Size() >= t.capacity() {
		return fmt.Errorf("merkle: tree is full (%d leaves)", t.Size())
	}
	t.levels[0] = append(t.levels[0], leaf)
	for i := 0; i < len(t.levels)-1; i++ {
		filled := len(t.levels[i])
		parents := (filled + 1) / 2
		if len(t.levels[i+1]) < parents {
			t.levels[i+1] = append(t.levels[i+1], Hash{})
		}
		last := parents - 1
		left := t.levels[i][2*last]
		right := t.pristine[i]
		if 2*last+1 < filled {
			right = t.levels[i][2*last+1]
		}
		t.levels[i+1][last] = HashPair(left, right)
	}
	return nil
}

// RootHash returns the hash of the whole (2^log2RootSize) tree.
func (t *Tree) RootHash() Hash {
	return t.nodeHash(0, t.log2RootSize)
}

// nodeHash returns the hash of the node of size 2^log2Size at the
// given address. Nodes entirely beyond the filled region are pristine.
func (t *Tree) nodeHash(address uint64, log2Size int) Hash {
	level := log2Size - t.log2LeafSize
	index := address >> log2Size
	if index >= uint64(len(t.levels[level])) {
		return t.pristine[level]
	}
	return t.levels[level][index]
}

// Proof produces the inclusion proof of the node of size 2^log2Size at
// the given address. The address must be aligned to the node size and
// inside the tree's address space.
func (t *Tree) Proof(address uint64, log2Size int) (Proof, error) {
	if log2Size < t.log2LeafSize || log2Size > t.log2RootSize {
		return Proof{}, fmt.Errorf("merkle: proof node size 2^%d outside tree geometry", log2Size)
	}
	if address&(uint64(1)<<log2Size-1) != 0 {
		return Proof{}, fmt.Errorf("merkle: proof address %#x not aligned to 2^%d", address, log2Size)
	}
	if t.log2RootSize < 64 && address >= uint64(1)<<t.log2RootSize {
		return Proof{}, fmt.Errorf("merkle: proof address %#x outside 2^%d address space", address, t.log2RootSize)
	}

	proof := Proof{
		TargetAddress:  address,
		Log2TargetSize: log2Size,
		TargetHash:     t.nodeHash(address, log2Size),
		Log2RootSize:   t.log2RootSize,
		RootHash:       t.RootHash(),
		SiblingHashes:  make([]Hash, t.log2RootSize-log2Size),
	}
	for current := log2Size; current < t.log2RootSize; current++ {
		siblingAddress := address ^ uint64(1)<<current
		proof.SiblingHashes[t.log2RootSize-1-current] = t.nodeHash(siblingAddress, current)
	}
	return proof, nil
}
