// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package merkle

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a keccak-256 digest in bytes.
const HashSize = 32

// Hash is a 32-byte keccak-256 digest. The zero value is the all-zero
// word, which is also the leaf recorded for skipped inputs.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromBytes copies a 32-byte slice into a Hash. The caller must
// have validated the length; short or long input panics.
func HashFromBytes(data []byte) Hash {
	if len(data) != HashSize {
		panic("merkle: hash must be exactly 32 bytes")
	}
	var h Hash
	copy(h[:], data)
	return h
}

// HashData returns the keccak-256 digest of data.
func HashData(data []byte) Hash {
	state := sha3.NewLegacyKeccak256()
	state.Write(data)
	var h Hash
	state.Sum(h[:0])
	return h
}

// HashPair returns keccak256(left || right), the interior node hash
// of every tree in the system. Exported so that external verifiers
// (and test fixtures) can recompute roots without reimplementing the
// hashing convention.
func HashPair(left, right Hash) Hash {
	state := sha3.NewLegacyKeccak256()
	state.Write(left[:])
	state.Write(right[:])
	var h Hash
	state.Sum(h[:0])
	return h
}
