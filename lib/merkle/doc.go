// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package merkle implements the fixed-geometry Merkle trees used for
// rollup commitments: a complete binary tree over a 2^37-byte address
// space with 32-byte (2^5) keccak-256 leaves. The manager keeps one
// append-only Tree per epoch for voucher hashes and one for notice
// hashes; the machine emulator produces Proof values over its own
// state tree in the same format, so a single proof type covers both.
//
// A Tree starts pristine (every leaf the all-zero word) and grows by
// Push, one leaf per processed input. Proofs of any node remain
// available at every intermediate size; unfilled subtrees hash to
// precomputed pristine values.
package merkle
