// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// the rollup manager. CBOR is the single serialization format of the
// system: the manager RPC surface, the machine-emulator worker
// protocol, and the on-disk epoch archives all use it through this
// package, so every component encodes identically without duplicating
// configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes, which
// matters for archives that may later be compared or hashed.
//
// For buffer-oriented operations (archives, embedded payloads):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
