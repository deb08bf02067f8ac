// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/epocharchive"
	"github.com/bureau-foundation/rollup/lib/merkle"
)

// input is one enqueued input: exactly 128 bytes of metadata and a
// payload shorter than the session's rx buffer.
type input struct {
	metadata []byte
	payload  []byte
}

// epoch aggregates the side-effects of a bounded input sequence into
// two append-only Merkle trees. Both trees and the processed-input
// list grow in lockstep: one leaf per processed input, the zero hash
// for skipped ones.
type epoch struct {
	epochIndex uint64
	state      api.EpochState

	pendingInputs   []*input
	processedInputs []api.ProcessedInput

	vouchersTree *merkle.Tree
	noticesTree  *merkle.Tree
}

// newEpoch creates an active epoch with empty trees and queues.
func newEpoch(epochIndex uint64) *epoch {
	vouchersTree, err := merkle.NewTree(api.Log2RootSize, api.Log2KeccakSize)
	if err != nil {
		panic("epoch tree geometry is invalid: " + err.Error())
	}
	noticesTree, err := merkle.NewTree(api.Log2RootSize, api.Log2KeccakSize)
	if err != nil {
		panic("epoch tree geometry is invalid: " + err.Error())
	}
	return &epoch{
		epochIndex:   epochIndex,
		state:        api.EpochStateActive,
		vouchersTree: vouchersTree,
		noticesTree:  noticesTree,
	}
}

// leafProofs computes the proofs of input i's leaf in both trees at
// their current size. Read-only: used while the epoch is active (per
// input) and again by finish to back-fill against the complete trees.
func (e *epoch) leafProofs(inputIndex uint64) (vouchers, notices merkle.Proof, err error) {
	address := inputIndex << api.Log2KeccakSize
	vouchers, err = e.vouchersTree.Proof(address, api.Log2KeccakSize)
	if err != nil {
		return merkle.Proof{}, merkle.Proof{}, fmt.Errorf("vouchers tree proof for input %d: %w", inputIndex, err)
	}
	notices, err = e.noticesTree.Proof(address, api.Log2KeccakSize)
	if err != nil {
		return merkle.Proof{}, merkle.Proof{}, fmt.Errorf("notices tree proof for input %d: %w", inputIndex, err)
	}
	return vouchers, notices, nil
}

// finish marks the epoch finished and back-fills every processed
// input's in-epoch proofs from the now-complete trees.
func (e *epoch) finish() error {
	e.state = api.EpochStateFinished
	for i := range e.processedInputs {
		processed := &e.processedInputs[i]
		vouchers, notices, err := e.leafProofs(processed.InputIndex)
		if err != nil {
			return err
		}
		processed.VoucherHashesInEpoch = vouchers
		processed.NoticeHashesInEpoch = notices
	}
	return nil
}

// archiveRecord builds the durable commitment record of the epoch as
// it will look once finished. Read-only, so it can run before the
// fail-before-mutate boundary of FinishEpoch.
func (e *epoch) archiveRecord(sessionID string) (*epocharchive.Record, error) {
	record := &epocharchive.Record{
		SessionID:    sessionID,
		EpochIndex:   e.epochIndex,
		VouchersRoot: e.vouchersTree.RootHash(),
		NoticesRoot:  e.noticesTree.RootHash(),
	}
	for i := range e.processedInputs {
		processed := &e.processedInputs[i]
		vouchers, notices, err := e.leafProofs(processed.InputIndex)
		if err != nil {
			return nil, err
		}
		archived := epocharchive.Input{
			InputIndex:           processed.InputIndex,
			MachineHash:          processed.MostRecentMachineHash,
			VoucherHashesInEpoch: vouchers,
			NoticeHashesInEpoch:  notices,
			SkipReason:           string(processed.SkipReason),
		}
		if result := processed.Result; result != nil {
			for _, voucher := range result.Vouchers {
				if voucher.Hash != nil {
					archived.VoucherKeccaks = append(archived.VoucherKeccaks, voucher.Hash.Keccak)
				}
			}
			for _, notice := range result.Notices {
				if notice.Hash != nil {
					archived.NoticeKeccaks = append(archived.NoticeKeccaks, notice.Hash.Keccak)
				}
			}
		}
		record.Inputs = append(record.Inputs, archived)
	}
	return record, nil
}
