// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package machine

import (
	"github.com/bureau-foundation/rollup/lib/codec"
	"github.com/bureau-foundation/rollup/lib/merkle"
)

// Worker action names. These are protocol constants shared by the
// manager's client, worker implementations, and test fakes.
const (
	ActionGetVersion         = "get_version"
	ActionMachine            = "machine"
	ActionGetInitialConfig   = "get_initial_config"
	ActionRun                = "run"
	ActionReadMemory         = "read_memory"
	ActionWriteMemory        = "write_memory"
	ActionReplaceMemoryRange = "replace_memory_range"
	ActionGetProof           = "get_proof"
	ActionGetRootHash        = "get_root_hash"
	ActionUpdateMerkleTree   = "update_merkle_tree"
	ActionSnapshot           = "snapshot"
	ActionRollback           = "rollback"
	ActionResetIflagsY       = "reset_iflags_y"
	ActionStore              = "store"
	ActionShutdown           = "shutdown"
)

// Yield reasons reported by the machine's HTIF device in bits 47..32
// of the tohost register. Manual yields (iflags_y) use the RX codes;
// automatic yields (iflags_x) use the TX codes.
const (
	YieldReasonRxAccepted uint64 = 1
	YieldReasonRxRejected uint64 = 2
	YieldReasonTxVoucher  uint64 = 3
	YieldReasonTxNotice   uint64 = 4
	YieldReasonTxReport   uint64 = 5
)

// YieldReason extracts the yield reason field from a tohost register
// value (bits 47..32).
func YieldReason(tohost uint64) uint64 {
	return tohost << 16 >> 48
}

// Version identifies a worker implementation. The manager refuses
// workers whose major/minor pair differs from what it was built
// against.
type Version struct {
	Major      uint32 `cbor:"major"`
	Minor      uint32 `cbor:"minor"`
	Patch      uint32 `cbor:"patch"`
	PreRelease string `cbor:"pre_release,omitempty"`
	Build      string `cbor:"build,omitempty"`
}

// Request instantiates the emulator: either from an inline machine
// configuration (carried opaquely — the manager does not interpret it
// beyond validation of the effective config reported back) or from a
// previously stored machine directory. Exactly one field is set.
type Request struct {
	Config    codec.RawMessage `cbor:"config,omitempty"`
	Directory string           `cbor:"directory,omitempty"`
}

// IsPresent reports whether the request selects a machine at all.
func (r *Request) IsPresent() bool {
	return r != nil && (len(r.Config) > 0 || r.Directory != "")
}

// ProcessorConfig is the subset of the processor state the manager
// reads from the effective config.
type ProcessorConfig struct {
	Mcycle uint64 `cbor:"mcycle"`
}

// HTIFConfig describes the host-target interface device. Rollup
// sessions require manual and automatic yields enabled and the console
// disabled.
type HTIFConfig struct {
	YieldManual    bool `cbor:"yield_manual"`
	YieldAutomatic bool `cbor:"yield_automatic"`
	ConsoleGetchar bool `cbor:"console_getchar"`
}

// MemoryRangeConfig describes one memory range of the machine. The
// manager reuses the config verbatim (with ImageFilename cleared) in
// replace_memory_range requests to zero the range.
type MemoryRangeConfig struct {
	Start         uint64 `cbor:"start"`
	Length        uint64 `cbor:"length"`
	Shared        bool   `cbor:"shared,omitempty"`
	ImageFilename string `cbor:"image_filename,omitempty"`
}

// RollupConfig names the five memory ranges a rollup machine exposes.
type RollupConfig struct {
	RxBuffer      MemoryRangeConfig `cbor:"rx_buffer"`
	TxBuffer      MemoryRangeConfig `cbor:"tx_buffer"`
	InputMetadata MemoryRangeConfig `cbor:"input_metadata"`
	VoucherHashes MemoryRangeConfig `cbor:"voucher_hashes"`
	NoticeHashes  MemoryRangeConfig `cbor:"notice_hashes"`
}

// Config is the effective machine configuration reported by
// get_initial_config, reduced to the fields the manager validates.
type Config struct {
	Processor ProcessorConfig `cbor:"processor"`
	HTIF      HTIFConfig      `cbor:"htif"`
	Rollup    *RollupConfig   `cbor:"rollup,omitempty"`
}

// RunRequest advances the emulator until it halts, yields, or reaches
// the mcycle limit.
type RunRequest struct {
	Limit uint64 `cbor:"limit"`
}

// RunResponse reports the machine state when run returned.
type RunResponse struct {
	Mcycle uint64 `cbor:"mcycle"`
	Tohost uint64 `cbor:"tohost"`

	// IflagsH is set when the machine has halted permanently.
	IflagsH bool `cbor:"iflags_h"`
	// IflagsY is set on a manual yield; the machine stays yielded
	// until reset_iflags_y.
	IflagsY bool `cbor:"iflags_y"`
	// IflagsX is set on an automatic yield; the machine continues on
	// the next run.
	IflagsX bool `cbor:"iflags_x"`
}

// ReadMemoryRequest reads length bytes starting at a physical address.
type ReadMemoryRequest struct {
	Address uint64 `cbor:"address"`
	Length  uint64 `cbor:"length"`
}

// ReadMemoryResponse carries the bytes read.
type ReadMemoryResponse struct {
	Data []byte `cbor:"data"`
}

// WriteMemoryRequest writes data at a physical address.
type WriteMemoryRequest struct {
	Address uint64 `cbor:"address"`
	Data    []byte `cbor:"data"`
}

// ReplaceMemoryRangeRequest swaps a memory range for the one described
// by the config. With no image filename, the range is zeroed.
type ReplaceMemoryRangeRequest struct {
	Config MemoryRangeConfig `cbor:"config"`
}

// GetProofRequest asks for the Merkle proof of the 2^log2_size node at
// the given address in the machine state tree.
type GetProofRequest struct {
	Address  uint64 `cbor:"address"`
	Log2Size int    `cbor:"log2_size"`
}

// GetProofResponse carries the proof.
type GetProofResponse struct {
	Proof merkle.Proof `cbor:"proof"`
}

// GetRootHashResponse carries the machine state root hash. Only valid
// after update_merkle_tree.
type GetRootHashResponse struct {
	Hash merkle.Hash `cbor:"hash"`
}

// UpdateMerkleTreeResponse reports whether the machine's state tree
// was brought up to date.
type UpdateMerkleTreeResponse struct {
	Success bool `cbor:"success"`
}

// StoreRequest persists the machine to a directory.
type StoreRequest struct {
	Directory string `cbor:"directory"`
}
