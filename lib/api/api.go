// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"time"

	"github.com/bureau-foundation/rollup/lib/machine"
	"github.com/bureau-foundation/rollup/lib/merkle"
	"github.com/bureau-foundation/rollup/lib/status"
)

// Manager action names.
const (
	ActionGetVersion       = "get_version"
	ActionGetStatus        = "get_status"
	ActionStartSession     = "start_session"
	ActionEndSession       = "end_session"
	ActionGetSessionStatus = "get_session_status"
	ActionGetEpochStatus   = "get_epoch_status"
	ActionAdvanceState     = "advance_state"
	ActionFinishEpoch      = "finish_epoch"
	ActionCheckIn          = "check_in"
)

// Wire constants of the rollup memory layout. These bind the manager
// to the machine's HTIF rollup device and must not change.
const (
	// Log2RootSize is the log2 of the epoch trees' address space.
	Log2RootSize = 37

	// Log2KeccakSize is the log2 of a keccak-256 hash (32 bytes),
	// the leaf size of the epoch trees and of the hashes memory
	// ranges.
	Log2KeccakSize = 5

	// KeccakSize is the size of a keccak-256 hash in bytes.
	KeccakSize = 1 << Log2KeccakSize

	// InputMetadataLength is the exact size of an input's metadata.
	InputMetadataLength = 128

	// VoucherHeaderLength is the tx-buffer prefix of a voucher:
	// 32-byte address, 32-byte offset, 32-byte length.
	VoucherHeaderLength = 96

	// NoticeHeaderLength is the tx-buffer prefix of a notice or
	// report: 32-byte offset, 32-byte length.
	NoticeHeaderLength = 64
)

// GetVersionResponse reports the manager's own version.
type GetVersionResponse struct {
	Version machine.Version `cbor:"version"`
}

// GetStatusResponse lists the ids of all known sessions.
type GetStatusResponse struct {
	SessionIDs []string `cbor:"session_ids"`
}

// DeadlineConfig holds the wall-clock budgets (in milliseconds) for
// the classes of worker operations a session performs.
type DeadlineConfig struct {
	// CheckIn bounds the wait for a spawned worker's check-in.
	CheckIn uint64 `cbor:"checkin"`

	// UpdateMerkleTree bounds the worker's state tree refresh.
	UpdateMerkleTree uint64 `cbor:"update_merkle_tree"`

	// AdvanceState bounds the whole processing of one input.
	AdvanceState uint64 `cbor:"advance_state"`

	// AdvanceStateIncrement bounds a single run call; a worker that
	// blows this deadline is considered unresponsive.
	AdvanceStateIncrement uint64 `cbor:"advance_state_increment"`

	// InspectState and InspectStateIncrement are the corresponding
	// budgets for state inspection queries.
	InspectState          uint64 `cbor:"inspect_state"`
	InspectStateIncrement uint64 `cbor:"inspect_state_increment"`

	// Machine bounds emulator instantiation.
	Machine uint64 `cbor:"machine"`

	// Store bounds persisting the machine to disk.
	Store uint64 `cbor:"store"`

	// Fast bounds every short control operation.
	Fast uint64 `cbor:"fast"`
}

// Duration converts a millisecond budget into a time.Duration.
func Duration(milliseconds uint64) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// CyclesConfig holds the machine cycle budgets for input processing
// and state inspection.
type CyclesConfig struct {
	// MaxAdvanceState is the total cycle budget for one input.
	MaxAdvanceState uint64 `cbor:"max_advance_state"`

	// AdvanceStateIncrement is the cycle length of a single run call.
	AdvanceStateIncrement uint64 `cbor:"advance_state_increment"`

	// MaxInspectState and InspectStateIncrement are the corresponding
	// budgets for state inspection queries.
	MaxInspectState       uint64 `cbor:"max_inspect_state"`
	InspectStateIncrement uint64 `cbor:"inspect_state_increment"`
}

// StartSessionRequest creates a session and spawns its worker.
type StartSessionRequest struct {
	SessionID        string           `cbor:"session_id"`
	Machine          *machine.Request `cbor:"machine"`
	ActiveEpochIndex uint64           `cbor:"active_epoch_index"`
	ServerDeadline   *DeadlineConfig  `cbor:"server_deadline"`
	ServerCycles     *CyclesConfig    `cbor:"server_cycles"`
}

// EndSessionRequest stops a session's worker and removes the session.
type EndSessionRequest struct {
	SessionID string `cbor:"session_id"`
}

// SessionRef names a session in query requests.
type SessionRef struct {
	SessionID string `cbor:"session_id"`
}

// TaintStatus reports why a session was latched as tainted.
type TaintStatus struct {
	Code    status.Code `cbor:"code"`
	Message string      `cbor:"message"`
}

// GetSessionStatusResponse is the projection of one session.
type GetSessionStatusResponse struct {
	SessionID        string       `cbor:"session_id"`
	ActiveEpochIndex uint64       `cbor:"active_epoch_index"`
	EpochIndexes     []uint64     `cbor:"epoch_indexes"`
	TaintStatus      *TaintStatus `cbor:"taint_status,omitempty"`
}

// GetEpochStatusRequest names one epoch of a session.
type GetEpochStatusRequest struct {
	SessionID  string `cbor:"session_id"`
	EpochIndex uint64 `cbor:"epoch_index"`
}

// EpochState is the lifecycle state of an epoch.
type EpochState string

const (
	EpochStateActive   EpochState = "active"
	EpochStateFinished EpochState = "finished"
)

// GetEpochStatusResponse is the projection of one epoch.
type GetEpochStatusResponse struct {
	SessionID         string           `cbor:"session_id"`
	EpochIndex        uint64           `cbor:"epoch_index"`
	State             EpochState       `cbor:"state"`
	ProcessedInputs   []ProcessedInput `cbor:"processed_inputs,omitempty"`
	PendingInputCount uint64           `cbor:"pending_input_count"`
	TaintStatus       *TaintStatus     `cbor:"taint_status,omitempty"`
}

// SkipReason says why an input was recorded without being accepted.
type SkipReason string

const (
	SkipCycleLimitExceeded SkipReason = "cycle_limit_exceeded"
	SkipRequestedByMachine SkipReason = "requested_by_machine"
	SkipMachineHalted      SkipReason = "machine_halted"
	SkipTimeLimitExceeded  SkipReason = "time_limit_exceeded"
)

// KeccakProof binds one voucher or notice to its keccak hash inside
// the corresponding hashes memory range: Keccak is the 32-byte entry,
// KeccakInHashes proves it at its index within the range.
type KeccakProof struct {
	Keccak         merkle.Hash  `cbor:"keccak"`
	KeccakInHashes merkle.Proof `cbor:"keccak_in_hashes"`
}

// Voucher is an on-chain-bound effect emitted by the machine.
type Voucher struct {
	Address merkle.Hash  `cbor:"address"`
	Payload []byte       `cbor:"payload"`
	Hash    *KeccakProof `cbor:"hash,omitempty"`
}

// Notice is an informational effect with a Merkle-committed payload.
type Notice struct {
	Payload []byte       `cbor:"payload"`
	Hash    *KeccakProof `cbor:"hash,omitempty"`
}

// Report is a log-like effect without a commitment.
type Report struct {
	Payload []byte `cbor:"payload"`
}

// InputResult carries the side-effects of an accepted input.
type InputResult struct {
	VoucherHashesInMachine merkle.Proof `cbor:"voucher_hashes_in_machine"`
	Vouchers               []Voucher    `cbor:"vouchers,omitempty"`
	NoticeHashesInMachine  merkle.Proof `cbor:"notice_hashes_in_machine"`
	Notices                []Notice     `cbor:"notices,omitempty"`
}

// ProcessedInput records one input's outcome. Exactly one of Result
// and SkipReason is set.
//
// VoucherHashesInEpoch and NoticeHashesInEpoch prove the input's leaf
// in the epoch trees. While the epoch is active they are relative to
// the tree as of this input; when the epoch finishes they are
// recomputed against the final trees.
type ProcessedInput struct {
	InputIndex            uint64       `cbor:"input_index"`
	MostRecentMachineHash merkle.Hash  `cbor:"most_recent_machine_hash"`
	VoucherHashesInEpoch  merkle.Proof `cbor:"voucher_hashes_in_epoch"`
	NoticeHashesInEpoch   merkle.Proof `cbor:"notice_hashes_in_epoch"`
	Reports               []Report     `cbor:"reports,omitempty"`

	Result     *InputResult `cbor:"result,omitempty"`
	SkipReason SkipReason   `cbor:"skip_reason,omitempty"`
}

// AdvanceStateRequest enqueues one input for the active epoch. The
// success response means "accepted for processing", not "processed" —
// processing happens asynchronously and is observed via
// GetEpochStatus.
type AdvanceStateRequest struct {
	SessionID         string `cbor:"session_id"`
	ActiveEpochIndex  uint64 `cbor:"active_epoch_index"`
	CurrentInputIndex uint64 `cbor:"current_input_index"`
	InputMetadata     []byte `cbor:"input_metadata"`
	InputPayload      []byte `cbor:"input_payload"`
}

// FinishEpochRequest finalizes the active epoch and opens the next
// one. With a StorageDirectory, the worker stores the machine there
// first and the manager writes the epoch archive next to it;
// a storage failure leaves the epoch untouched.
type FinishEpochRequest struct {
	SessionID           string `cbor:"session_id"`
	ActiveEpochIndex    uint64 `cbor:"active_epoch_index"`
	ProcessedInputCount uint64 `cbor:"processed_input_count"`
	StorageDirectory    string `cbor:"storage_directory,omitempty"`
}

// CheckInRequest is sent by a freshly spawned worker to announce the
// address it is listening on.
type CheckInRequest struct {
	SessionID string `cbor:"session_id"`
	Address   string `cbor:"address"`
}
