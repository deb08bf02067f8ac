// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package epocharchive writes the on-disk record of a finished epoch.
//
// When a client finishes an epoch with a storage directory, the
// manager asks the worker to store the machine there and then writes
// an `epoch-<index>.rollup` file alongside it: the epoch's final tree
// roots and the commitment data of every processed input, CBOR-encoded,
// compressed, and wrapped with a keyed BLAKE3 checksum. The archive is
// write-only from the manager's point of view — it exists so that
// off-line tooling can audit commitments without replaying the epoch —
// and the manager never reads it back.
//
// The file layout is a small CBOR header (format version, compression
// tag, uncompressed size, checksum) followed by the compressed record.
// The checksum covers the compressed bytes under a fixed domain key,
// so a truncated or corrupted archive is detected before decompression
// is attempted.
package epocharchive
