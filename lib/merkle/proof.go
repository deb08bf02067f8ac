// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package merkle

import "fmt"

// Proof shows that a target node belongs to a Merkle tree. The target
// is the subtree of size 2^Log2TargetSize rooted at TargetAddress; the
// tree covers 2^Log2RootSize bytes of address space.
//
// SiblingHashes are ordered top-down: SiblingHashes[0] is the sibling
// of the path node directly below the root (size 2^(Log2RootSize-1)),
// and the last entry is the target's own sibling. This matches the
// order the machine emulator reports proofs in.
type Proof struct {
	TargetAddress  uint64 `cbor:"target_address"`
	Log2TargetSize int    `cbor:"log2_target_size"`
	TargetHash     Hash   `cbor:"target_hash"`
	Log2RootSize   int    `cbor:"log2_root_size"`
	RootHash       Hash   `cbor:"root_hash"`
	SiblingHashes  []Hash `cbor:"sibling_hashes"`
}

// siblingAt returns the sibling hash for the path node of the given
// log2 size. Valid for Log2TargetSize <= log2Size < Log2RootSize.
func (p *Proof) siblingAt(log2Size int) Hash {
	return p.SiblingHashes[p.Log2RootSize-1-log2Size]
}

// Verify recomputes the root from the target hash and sibling hashes
// and reports whether it matches RootHash.
func (p *Proof) Verify() bool {
	if len(p.SiblingHashes) != p.Log2RootSize-p.Log2TargetSize {
		return false
	}
	current := p.TargetHash
	for log2Size := p.Log2TargetSize; log2Size < p.Log2RootSize; log2Size++ {
		sibling := p.siblingAt(log2Size)
		if p.TargetAddress&(uint64(1)<<log2Size) != 0 {
			current = HashPair(sibling, current)
		} else {
			current = HashPair(current, sibling)
		}
	}
	return current == p.RootHash
}

// Slice derives the proof of the same target inside the subtree of
// size 2^log2RootSize that contains it, discarding the sibling hashes
// above that subtree and recomputing the subtree root. The sliced
// proof's target address is relative to the subtree.
//
// This is how a machine proof of a 32-byte entry (rooted in the whole
// machine state) becomes a proof of that entry inside its memory range.
func (p *Proof) Slice(log2RootSize int) (Proof, error) {
	if log2RootSize <= p.Log2TargetSize || log2RootSize > p.Log2RootSize {
		return Proof{}, fmt.Errorf("merkle: cannot slice proof of target 2^%d in root 2^%d to root 2^%d",
			p.Log2TargetSize, p.Log2RootSize, log2RootSize)
	}
	if len(p.SiblingHashes) != p.Log2RootSize-p.Log2TargetSize {
		return Proof{}, fmt.Errorf("merkle: proof has %d sibling hashes, want %d",
			len(p.SiblingHashes), p.Log2RootSize-p.Log2TargetSize)
	}

	sliced := Proof{
		TargetAddress:  p.TargetAddress & (uint64(1)<<log2RootSize - 1),
		Log2TargetSize: p.Log2TargetSize,
		TargetHash:     p.TargetHash,
		Log2RootSize:   log2RootSize,
		SiblingHashes:  make([]Hash, log2RootSize-p.Log2TargetSize),
	}

	current := p.TargetHash
	for log2Size := p.Log2TargetSize; log2Size < log2RootSize; log2Size++ {
		sibling := p.siblingAt(log2Size)
		sliced.SiblingHashes[log2RootSize-1-log2Size] = sibling
		if p.TargetAddress&(uint64(1)<<log2Size) != 0 {
			current = HashPair(sibling, current)
		} else {
			current = HashPair(current, sibling)
		}
	}
	sliced.RootHash = current
	return sliced, nil
}
