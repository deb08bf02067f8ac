// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package epocharchive

import "github.com/bureau-foundation/rollup/lib/merkle"

// Record is the durable content of a finished epoch: the final roots
// of both commitment trees and the per-input commitment data.
type Record struct {
	SessionID    string      `cbor:"session_id"`
	EpochIndex   uint64      `cbor:"epoch_index"`
	VouchersRoot merkle.Hash `cbor:"vouchers_root"`
	NoticesRoot  merkle.Hash `cbor:"notices_root"`
	Inputs       []Input     `cbor:"inputs"`
}

// Input is the archived commitment data of one processed input.
type Input struct {
	InputIndex  uint64      `cbor:"input_index"`
	MachineHash merkle.Hash `cbor:"machine_hash"`

	VoucherHashesInEpoch merkle.Proof `cbor:"voucher_hashes_in_epoch"`
	NoticeHashesInEpoch  merkle.Proof `cbor:"notice_hashes_in_epoch"`

	// SkipReason is empty for completed inputs.
	SkipReason string `cbor:"skip_reason,omitempty"`

	// VoucherKeccaks and NoticeKeccaks are present for completed
	// inputs only, in tx-buffer occurrence order.
	VoucherKeccaks []merkle.Hash `cbor:"voucher_keccaks,omitempty"`
	NoticeKeccaks  []merkle.Hash `cbor:"notice_keccaks,omitempty"`
}
